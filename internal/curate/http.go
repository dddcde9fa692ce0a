package curate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"curation-engine/internal/models"
)

// HTTPClient adapts the three collaborator interfaces onto a remote service
// (the LLM-backed curation service in production). Each method POSTs JSON
// and decodes a JSON reply.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient builds a collaborator client for the given base URL.
func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type suggestFixRequest struct {
	Rule    string         `json:"rule"`
	Field   string         `json:"field,omitempty"`
	Detail  string         `json:"detail"`
	Partial *ChangePlan    `json:"partial,omitempty"`
	Input   models.Payload `json:"input"`
}

func (c *HTTPClient) SuggestFix(ctx context.Context, verr *ValidationError, partial *ChangePlan, input models.Payload) (models.Payload, error) {
	var corrected models.Payload
	err := c.post(ctx, "/v1/suggest-fix", suggestFixRequest{
		Rule:    verr.Rule,
		Field:   verr.Field,
		Detail:  verr.Detail,
		Partial: partial,
		Input:   input,
	}, &corrected)
	if err != nil {
		return models.Payload{}, err
	}
	return corrected, nil
}

func (c *HTTPClient) Apply(ctx context.Context, plan ChangePlan) error {
	if err := c.post(ctx, "/v1/apply", plan, nil); err != nil {
		return &ApplyError{Err: err}
	}
	return nil
}

type scoreResponse struct {
	Passes bool `json:"passes"`
}

func (c *HTTPClient) Score(ctx context.Context, plan ChangePlan) (bool, error) {
	var resp scoreResponse
	if err := c.post(ctx, "/v1/score", plan, &resp); err != nil {
		return false, err
	}
	return resp.Passes, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Disabled collaborators stand in when no service URL is configured. The
// judge exhausts repair attempts; the applier refuses to write.

type DisabledJudge struct{}

func (DisabledJudge) SuggestFix(context.Context, *ValidationError, *ChangePlan, models.Payload) (models.Payload, error) {
	return models.Payload{}, errors.New("curate: no judgment service configured")
}

type DisabledApplier struct{}

func (DisabledApplier) Apply(context.Context, ChangePlan) error {
	return &ApplyError{Err: errors.New("curate: no apply service configured")}
}

type DisabledScorer struct{}

func (DisabledScorer) Score(context.Context, ChangePlan) (bool, error) {
	return false, errors.New("curate: no scoring service configured")
}
