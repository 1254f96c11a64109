package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTCDecoded/governance-app/internal/storage"
)

// StatusPublisher delivers a rendered status check to the code host.
type StatusPublisher interface {
	Publish(ctx context.Context, u storage.StatusUpdate) error
}

// PermanentError marks a publish failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// maxStatusDescription is the commit status API limit.
const maxStatusDescription = 140

type commitStatus struct {
	State       string `json:"state"`
	Context     string `json:"context"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url,omitempty"`
}

// HTTPPublisher posts commit statuses to a GitHub-compatible API at
// {base}/repos/{owner}/{name}/statuses/{sha}.
type HTTPPublisher struct {
	baseURL   string
	token     string
	targetURL string
	client    *http.Client
}

func NewHTTPPublisher(baseURL, token, targetURL string, timeout time.Duration) (*HTTPPublisher, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid status api url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPublisher{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		targetURL: targetURL,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPPublisher) Publish(ctx context.Context, u storage.StatusUpdate) error {
	if u.HeadSHA == "" {
		return &PermanentError{Err: fmt.Errorf("status %d has no head sha", u.ID)}
	}
	owner, name, ok := strings.Cut(u.Repo, "/")
	if !ok {
		return &PermanentError{Err: fmt.Errorf("bad repository %q", u.Repo)}
	}
	raw, err := json.Marshal(commitStatus{
		State:       u.State,
		Context:     u.Context,
		Description: truncate(u.Description, maxStatusDescription),
		TargetURL:   p.targetURL,
	})
	if err != nil {
		return &PermanentError{Err: err}
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", p.baseURL, url.PathEscape(owner), url.PathEscape(name), url.PathEscape(u.HeadSHA))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return &PermanentError{Err: fmt.Errorf("status api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
}

// LogPublisher only logs status checks. It is used when no status API is
// configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, u storage.StatusUpdate) error {
	if p.Logger != nil {
		p.Logger.Info("status check",
			slog.String("repo", u.Repo),
			slog.Int("pr", u.Number),
			slog.String("sha", u.HeadSHA),
			slog.String("state", u.State),
			slog.String("description", u.Description),
		)
	}
	return nil
}
