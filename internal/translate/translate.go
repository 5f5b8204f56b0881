// Package translate converts backend results into the canonical
// OpenAI-compatible wire format and serialises streams as server-sent events.
package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/providers"
	v1 "github.com/semantrix/llmgate/pkg/api/v1"
)

const (
	// SSEDataPrefix is the prefix of an SSE data line.
	SSEDataPrefix = "data: "

	// SSEDone is the payload of the end-of-stream event.
	SSEDone = "[DONE]"

	// FinishReasonStop is reported when the backend gives no reason.
	FinishReasonStop = "stop"

	// FinishReasonError marks the synthetic chunk emitted for a mid-stream failure.
	FinishReasonError = "error"
)

// ErrStreamTruncated is reported when a chunk channel closes without a
// terminal chunk.
var ErrStreamTruncated = errors.New("stream ended without a terminal chunk")

// NewResponseID returns a fresh correlation ID.
func NewResponseID() string {
	return "chatcmpl-" + uuid.NewString()
}

// ToCanonicalResponse wraps a blocking backend result into a canonical response.
func ToCanonicalResponse(resp *models.ModelResponse) v1.ChatCompletionResponse {
	msg := v1.Message{
		Role:      "assistant",
		Content:   resp.Text,
		ToolCalls: toWireToolCalls(resp.ToolCalls),
	}
	if resp.FunctionCall != nil {
		msg.FunctionCall = &v1.FunctionCall{Name: resp.FunctionCall.Name, Arguments: resp.FunctionCall.Arguments}
	}

	return v1.ChatCompletionResponse{
		ID:      NewResponseID(),
		Object:  v1.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []v1.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: FinishReasonStop,
		}},
		Usage: v1.Usage{
			PromptTokens:     resp.Tokens.Prompt,
			CompletionTokens: resp.Tokens.Completion,
			TotalTokens:      resp.Tokens.Total,
		},
	}
}

// ToCanonicalChunk converts one backend chunk into a wire chunk. Payloads with
// a reserved prefix become structured function or tool calls. A Done chunk
// carries its finish reason, defaulting to stop.
func ToCanonicalChunk(chunk models.StreamingChunk, id string) v1.ChatCompletionChunk {
	choice := v1.ChunkChoice{Delta: decodePayload(chunk.Chunk)}
	if chunk.Done {
		reason := chunk.FinishReason
		if reason == "" {
			reason = FinishReasonStop
		}
		choice.FinishReason = &reason
	}

	return v1.ChatCompletionChunk{
		ID:      id,
		Object:  v1.ObjectChatCompletionChunk,
		Created: time.Now().Unix(),
		Model:   chunk.Model,
		Choices: []v1.ChunkChoice{choice},
	}
}

// ErrorChunk builds the synthetic chunk reporting a mid-stream failure.
func ErrorChunk(err error, model, id string) v1.ChatCompletionChunk {
	reason := FinishReasonError
	return v1.ChatCompletionChunk{
		ID:      id,
		Object:  v1.ObjectChatCompletionChunk,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []v1.ChunkChoice{{
			Delta:        v1.Delta{Content: err.Error()},
			FinishReason: &reason,
		}},
	}
}

// FormatEvent serialises a chunk as one SSE event. A nil chunk yields the
// end-of-stream marker.
func FormatEvent(chunk *v1.ChatCompletionChunk) ([]byte, error) {
	if chunk == nil {
		return []byte(SSEDataPrefix + SSEDone + "\n\n"), nil
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk: %w", err)
	}
	out := make([]byte, 0, len(SSEDataPrefix)+len(data)+2)
	out = append(out, SSEDataPrefix...)
	out = append(out, data...)
	out = append(out, '\n', '\n')
	return out, nil
}

// Stream writes every chunk as an SSE event followed by the end-of-stream
// marker. A backend error produces one error chunk and then the marker. When
// ctx is cancelled the sequence is abandoned and ctx.Err() returned.
func Stream(ctx context.Context, chunks <-chan models.StreamingChunk, model string, w io.Writer) error {
	id := NewResponseID()
	flusher, _ := w.(http.Flusher)
	first := true

	emit := func(c *v1.ChatCompletionChunk) error {
		if c != nil && first && len(c.Choices) > 0 {
			c.Choices[0].Delta.Role = "assistant"
			first = false
		}
		data, err := FormatEvent(c)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	fail := func(err error) error {
		wire := ErrorChunk(err, model, id)
		if werr := emit(&wire); werr != nil {
			return werr
		}
		return emit(nil)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return fail(ErrStreamTruncated)
			}
			if chunk.Model != "" {
				model = chunk.Model
			} else {
				chunk.Model = model
			}
			if chunk.Err != nil {
				return fail(chunk.Err)
			}

			wire := ToCanonicalChunk(chunk, id)
			if err := emit(&wire); err != nil {
				return err
			}
			if chunk.Done {
				return emit(nil)
			}
		}
	}
}

// decodePayload turns a chunk payload into a delta, interpreting reserved
// prefixes. Malformed structured payloads are passed through as text.
func decodePayload(payload string) v1.Delta {
	switch {
	case strings.HasPrefix(payload, providers.FunctionCallPrefix):
		var fc v1.FunctionCall
		if err := json.Unmarshal([]byte(strings.TrimPrefix(payload, providers.FunctionCallPrefix)), &fc); err == nil {
			return v1.Delta{FunctionCall: &fc}
		}
	case strings.HasPrefix(payload, providers.ToolCallsPrefix):
		var calls []v1.ToolCall
		if err := json.Unmarshal([]byte(strings.TrimPrefix(payload, providers.ToolCallsPrefix)), &calls); err == nil {
			return v1.Delta{ToolCalls: calls}
		}
	}
	return v1.Delta{Content: payload}
}

func toWireToolCalls(calls []models.ToolCall) []v1.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]v1.ToolCall, len(calls))
	for i, tc := range calls {
		typ := tc.Type
		if typ == "" {
			typ = "function"
		}
		out[i] = v1.ToolCall{
			Index:    i,
			ID:       tc.ID,
			Type:     typ,
			Function: v1.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		}
	}
	return out
}
