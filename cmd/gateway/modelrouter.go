package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/retrieval"
	"github.com/vegasmandawg/sonia-core/internal/turn"
)

// httpModelRouter implements turn.ModelRouter by delegating to an external
// model router service over HTTP. The pipeline never depends on a provider
// SDK directly; this adapter is the only place that HTTP boundary lives.
type httpModelRouter struct {
	baseURL string
	client  *http.Client
}

func newModelRouter(baseURL string, timeout time.Duration) *httpModelRouter {
	return &httpModelRouter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	UserText string             `json:"user_text"`
	Recalled []retrieval.Result `json:"recalled"`
}

type chatResponse struct {
	AssistantText string `json:"assistant_text"`
	ToolCalls     []struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"tool_calls"`
}

// Complete posts the turn's user text and recalled context to the
// configured model router and decodes its reply into a turn.ModelReply.
func (h *httpModelRouter) Complete(ctx context.Context, userText string, recalled []retrieval.Result) (turn.ModelReply, error) {
	body, err := json.Marshal(chatRequest{UserText: userText, Recalled: recalled})
	if err != nil {
		return turn.ModelReply{}, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return turn.ModelReply{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return turn.ModelReply{}, fmt.Errorf("call model router: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return turn.ModelReply{}, fmt.Errorf("model router returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return turn.ModelReply{}, fmt.Errorf("decode chat response: %w", err)
	}

	reply := turn.ModelReply{AssistantText: parsed.AssistantText}
	for _, c := range parsed.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, turn.ToolCall{Name: c.Name, Args: c.Args})
	}
	return reply, nil
}
