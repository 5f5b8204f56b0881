package catalog

import (
	"testing"

	"github.com/semantrix/llmgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c, err := New([]models.ModelInfo{
		{ID: "openai/gpt-4o", Available: true, Priority: 10},
		{ID: "anthropic/claude-3-5-sonnet", Available: true, Priority: 10},
		{ID: "local/llama3", Available: false},
	})
	require.NoError(t, err)

	t.Run("provider derived from id", func(t *testing.T) {
		m, ok := c.Get("openai/gpt-4o")
		require.True(t, ok)
		assert.Equal(t, "openai", m.Provider)
	})

	t.Run("list order", func(t *testing.T) {
		list := c.List()
		require.Len(t, list, 3)
		assert.Equal(t, "anthropic/claude-3-5-sonnet", list[0].ID)
		assert.Equal(t, "openai/gpt-4o", list[1].ID)
		assert.Equal(t, "local/llama3", list[2].ID)
	})

	t.Run("availability", func(t *testing.T) {
		assert.Len(t, c.Available(), 2)
		assert.False(t, c.IsAvailable("local/llama3"))
		assert.True(t, c.IsAvailable("unknown/model"))

		c.SetAvailable("local/llama3", true)
		assert.True(t, c.IsAvailable("local/llama3"))
		assert.Len(t, c.Available(), 3)

		c.SetAvailable("unknown/model", false)
		_, ok := c.Get("unknown/model")
		assert.False(t, ok)
	})

	t.Run("empty id rejected", func(t *testing.T) {
		assert.Error(t, c.Add(models.ModelInfo{}))
	})
}
