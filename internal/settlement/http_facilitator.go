package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPFacilitator — JSON-клиент внешнего фасилитатора.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
	apiKey  string
}

func NewHTTPFacilitator(baseURL, apiKey string, client *http.Client) *HTTPFacilitator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFacilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		apiKey:  apiKey,
	}
}

func (f *HTTPFacilitator) CreateTransaction(ctx context.Context, req CreateTxRequest) (*CreateTxResponse, error) {
	var out CreateTxResponse
	if err := f.post(ctx, "/transaction/create", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) SubmitTransaction(ctx context.Context, req SubmitTxRequest) (*SubmitTxResponse, error) {
	var out SubmitTxResponse
	if err := f.post(ctx, "/transaction/submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, req SettleRequest) (*SettleResponse, error) {
	var out SettleResponse
	if err := f.post(ctx, "/settle", req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &LedgerRejection{Status: http.StatusOK, Message: out.Error}
	}
	return &out, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("facilitator: encode %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("facilitator: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator: read %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("facilitator %s: %s", path, errorMessage(raw)),
		}
	case resp.StatusCode >= 500:
		return fmt.Errorf("facilitator %s: status %d: %s", path, resp.StatusCode, errorMessage(raw))
	case resp.StatusCode >= 400:
		return &LedgerRejection{Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("facilitator: decode %s: %w", path, err)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return time.Second
}

func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
