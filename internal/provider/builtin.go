package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// Builtins returns the in-process providers available without external
// integrations.
func Builtins(logger *slog.Logger) []Provider {
	return []Provider{
		&coreProvider{logger: logger},
		&httpProvider{client: &http.Client{Timeout: 30 * time.Second}},
	}
}

// coreProvider offers utility actions with no external side effects.
type coreProvider struct {
	logger *slog.Logger
}

func (p *coreProvider) Name() string { return "core" }

func (p *coreProvider) Sensitive(string) bool { return false }

func (p *coreProvider) Invoke(ctx context.Context, action string, params map[string]any, _ map[string]any) (*Result, error) {
	switch action {
	case "echo":
		return &Result{Status: StatusSuccess, Data: params}, nil

	case "log":
		msg, _ := params["message"].(string)
		p.logger.InfoContext(ctx, "core.log", slog.String("message", msg))
		return &Result{Status: StatusSuccess, Message: msg}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown core action %q", action)
	}
}

// httpProvider performs outbound HTTP requests for webhook-style
// integrations.
type httpProvider struct {
	client *http.Client
}

func (p *httpProvider) Name() string { return "http" }

func (p *httpProvider) Sensitive(string) bool { return false }

func (p *httpProvider) Invoke(ctx context.Context, action string, params map[string]any, _ map[string]any) (*Result, error) {
	if action != "request" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown http action %q", action)
	}

	url, _ := params["url"].(string)
	if url == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request requires a url")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if b, ok := params["body"]; ok {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "encode request body").WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "http request: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "read response").WithCause(err)
	}

	data := map[string]any{"status_code": resp.StatusCode}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		data["body"] = parsed
	} else {
		data["body"] = string(raw)
	}

	status := StatusSuccess
	msg := ""
	if resp.StatusCode >= 500 {
		// Surface as retryable so the engine backs off and retries.
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		status = StatusError
		msg = fmt.Sprintf("upstream returned %d", resp.StatusCode)
	}
	return &Result{Status: status, Message: msg, Data: data}, nil
}
