package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is whatever the external interpreter managed to pull out of a
// delivery slip photo or notification text. Every field may be absent.
type Result struct {
	TrackingNumber string `json:"trackingNumber,omitempty"`
	Location       string `json:"location,omitempty"`
	RecipientName  string `json:"recipientName,omitempty"`
	Deadline       string `json:"deadline,omitempty"`
}

// Interpreter is the external AI-backed scan collaborator. Implementations
// are fallible; callers must degrade to manual entry on error and never
// block request creation on it.
type Interpreter interface {
	Interpret(ctx context.Context, image []byte, text string) (Result, error)
}

// HTTPInterpreter talks to the interpreter service over HTTP.
// An empty Endpoint means "not configured": it returns an empty result so
// the request flow falls through to manual entry.
type HTTPInterpreter struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewHTTPInterpreter(endpoint, apiKey string) *HTTPInterpreter {
	return &HTTPInterpreter{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (h *HTTPInterpreter) Interpret(ctx context.Context, image []byte, text string) (Result, error) {
	if h.Endpoint == "" {
		return Result{}, nil
	}
	payload := map[string]any{}
	if len(image) > 0 {
		payload["image"] = image // base64 via encoding/json
	}
	if text != "" {
		payload["text"] = text
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint+"/v1/interpret", bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("interpreter status %d", resp.StatusCode)
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, err
	}
	return out, nil
}
