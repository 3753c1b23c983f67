package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/erp/dte/internal/infrastructure/auth"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/erp/dte/internal/interfaces/http/middleware"
)

const (
	mintedTokenTTL = 15 * time.Minute
	operatorName   = "dtectl"
)

// APIError is a failure reported by the engine in its error envelope
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// apiClient calls /api/v1 with an operator token
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// resolveToken returns the explicit token, or mints a short-lived one when
// the signing secret is available
func resolveToken(opts *globalOptions) (string, error) {
	if opts.token != "" {
		return opts.token, nil
	}
	if opts.secret == "" {
		return "", fmt.Errorf("no credentials: pass --token, set DTE_TOKEN, or provide --jwt-secret")
	}
	svc, err := auth.NewJWTService(config.JWTConfig{Secret: opts.secret, Issuer: opts.issuer})
	if err != nil {
		return "", err
	}
	return svc.Issue(operatorName, []string{auth.ScopeRead, auth.ScopeCAF, auth.ScopeOperate}, mintedTokenTTL)
}

func newAPIClient(opts *globalOptions) (*apiClient, error) {
	token, err := resolveToken(opts)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL: strings.TrimRight(opts.server, "/") + "/api/v1",
		token:   token,
		http:    &http.Client{Timeout: opts.timeout},
	}, nil
}

// do sends the request and returns the data field of a success envelope
func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(middleware.AuthHeaderKey, middleware.BearerPrefix+c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *dto.ErrorInfo  `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Code: "INVALID_RESPONSE", Message: strings.TrimSpace(string(raw))}
	}
	if !envelope.Success || resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}
	return envelope.Data, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil, "")
}

func (c *apiClient) postJSON(ctx context.Context, path string, body any) (json.RawMessage, error) {
	if body == nil {
		return c.do(ctx, http.MethodPost, path, nil, "")
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(buf), "application/json")
}
