package translate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/providers"
	v1 "github.com/semantrix/llmgate/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(chunks ...models.StreamingChunk) <-chan models.StreamingChunk {
	ch := make(chan models.StreamingChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

// events splits SSE output into data payloads.
func events(t *testing.T, out string) []string {
	t.Helper()
	require.True(t, strings.HasSuffix(out, "\n\n"))
	var payloads []string
	for _, e := range strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n") {
		require.True(t, strings.HasPrefix(e, SSEDataPrefix), e)
		payloads = append(payloads, strings.TrimPrefix(e, SSEDataPrefix))
	}
	return payloads
}

func decodeChunk(t *testing.T, payload string) v1.ChatCompletionChunk {
	t.Helper()
	var c v1.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(payload), &c))
	return c
}

func TestToCanonicalResponse(t *testing.T) {
	resp := ToCanonicalResponse(&models.ModelResponse{
		Text:   "Paris",
		Model:  "gpt-4o",
		Tokens: models.TokenUsage{Prompt: 7, Completion: 1, Total: 8},
		ToolCalls: []models.ToolCall{
			{ID: "call_1", Function: models.FunctionCall{Name: "lookup", Arguments: `{"q":"paris"}`}},
		},
	})

	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, v1.ObjectChatCompletion, resp.Object)
	assert.Equal(t, "gpt-4o", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "Paris", resp.Choices[0].Message.Content)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "function", resp.Choices[0].Message.ToolCalls[0].Type)
	assert.Equal(t, v1.Usage{PromptTokens: 7, CompletionTokens: 1, TotalTokens: 8}, resp.Usage)

	other := ToCanonicalResponse(&models.ModelResponse{Text: "x"})
	assert.NotEqual(t, resp.ID, other.ID)
}

func TestToCanonicalChunk(t *testing.T) {
	c := ToCanonicalChunk(models.StreamingChunk{Chunk: "Hel", Model: "m"}, "chatcmpl-1")
	assert.Equal(t, "chatcmpl-1", c.ID)
	assert.Equal(t, v1.ObjectChatCompletionChunk, c.Object)
	assert.Equal(t, "Hel", c.Choices[0].Delta.Content)
	assert.Nil(t, c.Choices[0].FinishReason)

	done := ToCanonicalChunk(models.StreamingChunk{Done: true}, "chatcmpl-1")
	require.NotNil(t, done.Choices[0].FinishReason)
	assert.Equal(t, "stop", *done.Choices[0].FinishReason)

	length := ToCanonicalChunk(models.StreamingChunk{Done: true, FinishReason: "length"}, "chatcmpl-1")
	assert.Equal(t, "length", *length.Choices[0].FinishReason)

	fc := ToCanonicalChunk(models.StreamingChunk{Chunk: providers.FunctionCallPrefix + `{"name":"f","arguments":"{}"}`}, "id")
	require.NotNil(t, fc.Choices[0].Delta.FunctionCall)
	assert.Equal(t, "f", fc.Choices[0].Delta.FunctionCall.Name)
	assert.Empty(t, fc.Choices[0].Delta.Content)

	tc := ToCanonicalChunk(models.StreamingChunk{Chunk: providers.ToolCallsPrefix + `[{"index":0,"id":"c1","type":"function","function":{"name":"g","arguments":"{}"}}]`}, "id")
	require.Len(t, tc.Choices[0].Delta.ToolCalls, 1)
	assert.Equal(t, "c1", tc.Choices[0].Delta.ToolCalls[0].ID)

	bad := ToCanonicalChunk(models.StreamingChunk{Chunk: providers.ToolCallsPrefix + "not json"}, "id")
	assert.Equal(t, providers.ToolCallsPrefix+"not json", bad.Choices[0].Delta.Content)
}

func TestFormatEvent(t *testing.T) {
	done, err := FormatEvent(nil)
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n\n", string(done))

	c := ToCanonicalChunk(models.StreamingChunk{Chunk: "hi"}, "chatcmpl-1")
	data, err := FormatEvent(&c)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "data: {"))
	assert.True(t, strings.HasSuffix(string(data), "}\n\n"))
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	err := Stream(context.Background(), feed(
		models.StreamingChunk{Chunk: "Hel", Model: "gpt-4o"},
		models.StreamingChunk{Chunk: "lo"},
		models.StreamingChunk{Done: true, FinishReason: "length"},
	), "openai/gpt-4o", &buf)
	require.NoError(t, err)

	payloads := events(t, buf.String())
	require.Len(t, payloads, 4)
	assert.Equal(t, SSEDone, payloads[3])

	first := decodeChunk(t, payloads[0])
	second := decodeChunk(t, payloads[1])
	last := decodeChunk(t, payloads[2])
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Empty(t, second.Choices[0].Delta.Role)
	assert.Equal(t, first.ID, last.ID)
	assert.Equal(t, "gpt-4o", second.Model)
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "length", *last.Choices[0].FinishReason)
}

func TestStream_MidStreamError(t *testing.T) {
	var buf bytes.Buffer
	err := Stream(context.Background(), feed(
		models.StreamingChunk{Chunk: "partial"},
		models.StreamingChunk{Err: errors.New("connection reset")},
	), "local/llama3", &buf)
	require.NoError(t, err)

	payloads := events(t, buf.String())
	require.Len(t, payloads, 3)
	errChunk := decodeChunk(t, payloads[1])
	require.NotNil(t, errChunk.Choices[0].FinishReason)
	assert.Equal(t, "error", *errChunk.Choices[0].FinishReason)
	assert.Equal(t, "connection reset", errChunk.Choices[0].Delta.Content)
	assert.Equal(t, "local/llama3", errChunk.Model)
	assert.Equal(t, SSEDone, payloads[2])
}

func TestStream_TruncatedChannel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), feed(models.StreamingChunk{Chunk: "a"}), "m", &buf))

	payloads := events(t, buf.String())
	require.Len(t, payloads, 3)
	assert.Equal(t, "error", *decodeChunk(t, payloads[1]).Choices[0].FinishReason)
	assert.Equal(t, SSEDone, payloads[2])
}

func TestStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := Stream(ctx, make(chan models.StreamingChunk), "m", &buf)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}
