package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/semantrix/llmgate/internal/cache"
	"github.com/semantrix/llmgate/internal/gateway"
	"github.com/semantrix/llmgate/internal/models"
	"github.com/semantrix/llmgate/internal/translate"
	v1 "github.com/semantrix/llmgate/pkg/api/v1"
	"go.uber.org/zap"
)

// handleRoute routes a single prompt.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req v1.RouteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.dispatcher.RoutePrompt(r.Context(), gateway.PromptRequest{
		Prompt:      req.Prompt,
		ModelID:     req.ModelID,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set(cache.HeaderModelUsed, res.ModelUsed)
	s.writeJSON(w, http.StatusOK, v1.RouteResponse{
		Response:  res.Response.Text,
		ModelUsed: res.ModelUsed,
		Tokens: v1.Tokens{
			Prompt:     res.Response.Tokens.Prompt,
			Completion: res.Response.Tokens.Completion,
			Total:      res.Response.Tokens.Total,
		},
		ProcessingTime: res.ProcessingTime.Seconds(),
	})
}

// handleChatCompletion serves blocking and streamed chat completions.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var apiReq v1.ChatCompletionRequest
	if err := decode(r, &apiReq); err != nil {
		s.writeError(w, r, err)
		return
	}

	req := gateway.ChatRequest{
		Model:       apiReq.Model,
		Messages:    convertMessages(apiReq.Messages),
		MaxTokens:   apiReq.MaxTokens,
		Temperature: apiReq.Temperature,
		Tools:       convertTools(apiReq.Tools),
	}
	if apiReq.ToolChoice != nil {
		req.ToolChoice = &models.ToolChoice{Mode: apiReq.ToolChoice.Mode, Function: apiReq.ToolChoice.Function}
	}

	if apiReq.Stream {
		s.streamChatCompletion(w, r, req)
		return
	}

	completion, err := s.dispatcher.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(cache.HeaderModelUsed, completion.ModelUsed)
	s.writeJSON(w, http.StatusOK, translate.ToCanonicalResponse(completion.Response))
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req gateway.ChatRequest) {
	handle, err := s.dispatcher.Stream(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := translate.Stream(r.Context(), handle.Chunks, handle.ModelUsed, w); err != nil {
		s.logger.Warn("Stream ended early",
			zap.String("model", handle.ModelUsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
}

// handleGetModels lists the model catalog.
func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	catalogModels := s.catalog.List()
	out := make([]v1.ModelInfo, 0, len(catalogModels))
	for _, m := range catalogModels {
		out = append(out, v1.ModelInfo{
			ID:           m.ID,
			Provider:     m.Provider,
			Capabilities: m.Capabilities,
			Cost:         m.Cost,
			Quality:      m.Quality,
			MaxTokens:    m.MaxTokens,
			LatencyMS:    m.Latency.Milliseconds(),
			Available:    m.Available,
		})
	}

	s.writeJSON(w, http.StatusOK, v1.ModelsResponse{
		Models:    out,
		Total:     len(out),
		Providers: s.registry.Providers(),
	})
}

// handleHealthCheck reports catalog availability and the last probe of each
// model's adapter.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	catalogModels := s.catalog.List()
	modelHealth := make(map[string]v1.ModelHealth, len(catalogModels))
	available := 0
	for _, m := range catalogModels {
		modelHealth[m.ID] = v1.ModelHealth{Available: m.Available}
		if m.Available {
			available++
		}
	}

	adapterHealth := make(map[string]v1.ProviderHealth)
	for id, h := range s.healthChecker.GetAllModelHealth() {
		status := "unhealthy"
		if h.Healthy {
			status = "healthy"
		}
		adapterHealth[id] = v1.ProviderHealth{
			Status:    status,
			Latency:   h.Latency,
			LastCheck: h.LastCheck,
			Error:     h.Error,
		}
	}

	status, code := "healthy", http.StatusOK
	switch {
	case len(catalogModels) > 0 && available == 0:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case available < len(catalogModels):
		status = "degraded"
	}

	s.writeJSON(w, code, v1.HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Models:    modelHealth,
		Providers: adapterHealth,
		Version:   Version,
	})
}

// handleInvalidateModel drops every cached response tagged with a model ID.
// The ID is the rest of the path so provider-prefixed IDs work unescaped.
func (s *Server) handleInvalidateModel(w http.ResponseWriter, r *http.Request) {
	modelID := strings.Trim(chi.URLParam(r, "*"), "/")
	if modelID == "" {
		s.writeError(w, r, models.NewValidationError("model id is required"))
		return
	}

	n, err := s.cache.InvalidateModel(r.Context(), modelID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("Cache invalidated for model", zap.String("model", modelID), zap.Int("entries", n))
	s.writeJSON(w, http.StatusOK, v1.AdminResponse{
		Status:  "ok",
		Message: fmt.Sprintf("invalidated %d cached responses for %s", n, modelID),
	})
}

// handleClearCache drops every cached response.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v1.AdminResponse{Status: "ok", Message: "response cache cleared"})
}

// handleClearAdapters closes cached adapters so the next request rebuilds them.
func (s *Server) handleClearAdapters(w http.ResponseWriter, r *http.Request) {
	s.registry.ClearCache()
	s.writeJSON(w, http.StatusOK, v1.AdminResponse{Status: "ok", Message: "adapter cache cleared"})
}

// handleForceHealthCheck probes every model now.
func (s *Server) handleForceHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.healthChecker.ForceHealthCheck(r.Context())
	s.writeJSON(w, http.StatusOK, v1.AdminResponse{
		Status:  "ok",
		Message: fmt.Sprintf("checked %d models", len(s.catalog.List())),
	})
}

func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return models.NewValidationError("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError renders any error as {error, code, request_id}.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ge := models.AsGatewayError(err)
	requestID := middleware.GetReqID(r.Context())

	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("code", ge.Code),
		zap.Int("status", ge.Status),
		zap.String("request_id", requestID),
		zap.Error(err),
	}
	var pe *models.ProviderError
	if ge.Status >= http.StatusInternalServerError || errors.As(err, &pe) {
		s.logger.Error("Request failed", fields...)
	} else {
		s.logger.Debug("Request rejected", fields...)
	}
	s.metrics.RecordRequestError(routePattern(r), ge.Code)

	s.writeJSON(w, ge.Status, v1.ErrorResponse{
		Error:     ge.Message,
		Code:      ge.Code,
		RequestID: requestID,
	})
}

// Helper functions for converting between API and internal types

func convertMessages(apiMessages []v1.Message) []models.Message {
	messages := make([]models.Message, len(apiMessages))
	for i, msg := range apiMessages {
		messages[i] = models.Message{
			Role:       msg.Role,
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			messages[i].ToolCalls = append(messages[i].ToolCalls, models.ToolCall{
				Index:    tc.Index,
				ID:       tc.ID,
				Type:     tc.Type,
				Function: models.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		if msg.FunctionCall != nil {
			messages[i].ToolCalls = append(messages[i].ToolCalls, models.ToolCall{
				Type:     "function",
				Function: models.FunctionCall{Name: msg.FunctionCall.Name, Arguments: msg.FunctionCall.Arguments},
			})
		}
	}
	return messages
}

func convertTools(apiTools []v1.Tool) []models.Tool {
	if len(apiTools) == 0 {
		return nil
	}
	tools := make([]models.Tool, len(apiTools))
	for i, t := range apiTools {
		typ := t.Type
		if typ == "" {
			typ = "function"
		}
		tools[i] = models.Tool{
			Type: typ,
			Function: models.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		}
	}
	return tools
}
