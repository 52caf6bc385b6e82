// Package runner is the client for the remote code-execution service
// (a Piston-compatible API). It never inspects the code it sends; gating
// happens before it is called.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://emkc.org/api/v2/piston/execute"
	DefaultTimeout  = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 4 << 10
)

var ErrUnsupportedLanguage = errors.New("runner: language not supported by execution engine")

// languages maps editor language ids to runner language names.
var languages = map[string]string{
	"python":     "python",
	"javascript": "javascript",
	"csharp":     "csharp",
	"cpp":        "c++",
	"c++":        "c++",
	"java":       "java",
	"php":        "php",
	"go":         "go",
	"swift":      "swift",
	"lua":        "lua",
}

// Result is the outcome of one execution.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Language string `json:"language"`
	Version  string `json:"version"`
}

// Client talks to the execution service.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client. Empty endpoint and non-positive timeout select
// the defaults.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Supported reports whether language can be executed (or previewed).
func Supported(language string) bool {
	if language == "html" {
		return true
	}
	_, ok := languages[language]
	return ok
}

type executeFile struct {
	Content string `json:"content"`
}

type executeRequest struct {
	Language string        `json:"language"`
	Version  string        `json:"version"`
	Files    []executeFile `json:"files"`
}

type executeResponse struct {
	Run struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
		Code   int    `json:"code"`
		Output string `json:"output"`
	} `json:"run"`
	Language string `json:"language"`
	Version  string `json:"version"`
}

// Execute runs source in language on the remote service. HTML is never sent;
// it is answered locally with a preview result.
func (c *Client) Execute(ctx context.Context, language, source string) (*Result, error) {
	if language == "html" {
		return &Result{
			Stdout:   "HTML is running in browser preview mode (Simulation). Execution skipped.",
			Output:   "HTML Preview Active",
			Language: "html",
			Version:  "5",
		}, nil
	}

	runnerLang, ok := languages[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	body, err := json.Marshal(executeRequest{
		Language: runnerLang,
		Version:  "*",
		Files:    []executeFile{{Content: source}},
	})
	if err != nil {
		return nil, fmt.Errorf("runner: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("runner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner: execute: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("runner: execution failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("runner: decode response: %w", err)
	}
	return &Result{
		Stdout:   out.Run.Stdout,
		Stderr:   out.Run.Stderr,
		ExitCode: out.Run.Code,
		Output:   out.Run.Output,
		Language: out.Language,
		Version:  out.Version,
	}, nil
}
