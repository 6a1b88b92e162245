package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/x402-paygate/internal/intent"
)

type ExecuteRequest struct {
	AgentID    string         `json:"agentId"`
	TaskParams map[string]any `json:"taskParams"`
}

type ExecuteResult struct {
	TaskID        string         `json:"taskId"`
	Status        string         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	ExecutionTime int64          `json:"executionTime"`
	TokensUsed    int64          `json:"tokensUsed,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// AgentExecutor — платный ресурс. Вызывается только после того, как расчёт дошёл до settled.
type AgentExecutor interface {
	Execute(ctx context.Context, txSignature string, req ExecuteRequest) (*ExecuteResult, error)
}

// HTTPAgentExecutor POST /agent/execute с заголовком X-TX-SIGNATURE.
type HTTPAgentExecutor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAgentExecutor(baseURL string, client *http.Client) *HTTPAgentExecutor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPAgentExecutor{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (e *HTTPAgentExecutor) Execute(ctx context.Context, txSignature string, req ExecuteRequest) (*ExecuteResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agent: encode request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/agent/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("agent: build request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set(intent.HeaderTxSignature, txSignature)

	resp, err := e.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("agent: execute: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("agent: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("agent: status %d: %s", resp.StatusCode, errorMessage(raw))
	}

	var out ExecuteResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("agent: decode response: %w", err)
	}
	return &out, nil
}

// EchoAgent — демо-исполнитель: возвращает параметры задачи как результат.
type EchoAgent struct {
	now func() time.Time
}

func NewEchoAgent() *EchoAgent { return &EchoAgent{now: time.Now} }

func (a *EchoAgent) Execute(ctx context.Context, txSignature string, req ExecuteRequest) (*ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := a.now()
	if req.AgentID == "" {
		return &ExecuteResult{TaskID: uuid.NewString(), Status: "failed", Error: "missing agentId"}, nil
	}
	return &ExecuteResult{
		TaskID: uuid.NewString(),
		Status: "completed",
		Result: map[string]any{
			"agentId":     req.AgentID,
			"taskParams":  req.TaskParams,
			"txSignature": txSignature,
		},
		ExecutionTime: a.now().Sub(start).Milliseconds(),
	}, nil
}
