// Package httpjob is a generation.Provider for vendors that expose an
// asynchronous JSON job API:
//
//	POST {base}/jobs       {"model","prompt","image_url"} -> {"id"}
//	GET  {base}/jobs/{id}  -> {"status","result_url","output","error"}
package httpjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genbot/internal/config"
	"genbot/internal/generation"
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	base   string
	apiKey string
	model  string
	http   *http.Client
}

var _ generation.Provider = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("httpjob: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

// FromConfig builds a client from one provider block.
func FromConfig(kind string, pc config.ProviderConfig) (*Client, error) {
	timeout, err := config.ParseDurationOrDefault("generation.providers."+kind+".request_timeout", pc.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return New(Config{BaseURL: pc.BaseURL, APIKey: pc.APIKey, Model: pc.Model, Timeout: timeout})
}

type submitRequest struct {
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type submitResponse struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Status    string   `json:"status"`
	ResultURL string   `json:"result_url"`
	Output    []string `json:"output"`
	Error     string   `json:"error"`
}

func (c *Client) Submit(ctx context.Context, in generation.Input) (string, error) {
	body, err := json.Marshal(submitRequest{Model: c.model, Prompt: in.Prompt, ImageURL: in.SourceRef})
	if err != nil {
		return "", err
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, c.base+"/jobs", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		out.ID = out.JobID
	}
	return out.ID, nil
}

func (c *Client) Poll(ctx context.Context, externalID string) (generation.PollResult, error) {
	var out pollResponse
	if err := c.do(ctx, http.MethodGet, c.base+"/jobs/"+url.PathEscape(externalID), nil, &out); err != nil {
		return generation.PollResult{}, err
	}
	switch strings.ToLower(strings.TrimSpace(out.Status)) {
	case "succeeded", "success", "completed", "done":
		res := out.ResultURL
		if res == "" && len(out.Output) > 0 {
			res = out.Output[0]
		}
		return generation.PollResult{State: generation.PollSuccess, Result: res}, nil
	case "failed", "fail", "error", "canceled", "cancelled":
		return generation.PollResult{State: generation.PollFail, Error: out.Error}, nil
	default:
		return generation.PollResult{State: generation.PollPending}, nil
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpjob: status %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Join(errors.New("httpjob: decode response"), err)
	}
	return nil
}
