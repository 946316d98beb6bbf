package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/attractor-run/control-plane/internal/apierr"
	"github.com/attractor-run/control-plane/internal/platform/config"
)

// GitHubClient implements Collaborator against the GitHub REST API
// (or an API-compatible enterprise host via cfg.BaseURL).
type GitHubClient struct {
	baseURL string
	gitHost string
	http    *http.Client
	ts      oauth2.TokenSource
}

// NewGitHubClient builds a Collaborator authenticated per cfg's
// credential preference. Returns (nil, nil) when cfg carries no
// credential at all, signaling "source control is not configured" to
// callers that treat it as optional.
func NewGitHubClient(ctx context.Context, cfg config.SCMConfig) (*GitHubClient, error) {
	if cfg.AppID == "" && cfg.PersonalToken == "" {
		return nil, nil
	}
	ts, err := TokenSource(ctx, cfg, http.DefaultClient)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{
		baseURL: baseURL,
		gitHost: gitHostFromAPIBaseURL(baseURL),
		http:    oauth2.NewClient(ctx, ts),
		ts:      ts,
	}, nil
}

// gitHostFromAPIBaseURL turns the REST API base (api.github.com, or a GHE
// host's /api/v3) into the plain host git clone URLs use.
func gitHostFromAPIBaseURL(apiBaseURL string) string {
	host := strings.TrimPrefix(apiBaseURL, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	host = strings.TrimSuffix(host, "/api/v3")
	if host == "api.github.com" {
		return "github.com"
	}
	return host
}

// CloneURL mints a fresh installation/personal token and returns an
// HTTPS clone URL with it embedded, so the dispatcher's worktree
// preparation never needs to hold SCM credentials itself.
func (c *GitHubClient) CloneURL(ctx context.Context, owner, repo string) (string, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return "", fmt.Errorf("scm: mint clone token: %w", err)
	}
	return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", tok.AccessToken, c.gitHost, owner, repo), nil
}

func (c *GitHubClient) UpsertPullRequest(ctx context.Context, in PullRequestInput) (PullRequestResult, error) {
	existing, err := c.findOpenPullRequest(ctx, in.Owner, in.Repo, in.Head)
	if err != nil {
		return PullRequestResult{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	body := map[string]string{
		"title": in.Title,
		"head":  in.Head,
		"base":  in.Base,
		"body":  in.Body,
	}
	var resp struct {
		Number int `json:"number"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls", in.Owner, in.Repo)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return PullRequestResult{}, err
	}
	return PullRequestResult{Number: resp.Number, URL: resp.HTMLURL, HeadSHA: resp.Head.SHA}, nil
}

func (c *GitHubClient) findOpenPullRequest(ctx context.Context, owner, repo, head string) (*PullRequestResult, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s:%s", owner, repo, owner, head)
	var results []struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		Head    struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &PullRequestResult{Number: results[0].Number, URL: results[0].HTMLURL, HeadSHA: results[0].Head.SHA}, nil
}

func (c *GitHubClient) PostCheckRun(ctx context.Context, in CheckRunInput) error {
	body := map[string]any{
		"name":       in.Name,
		"head_sha":   in.SHA,
		"status":     in.Status,
		"output": map[string]string{
			"title":   in.Title,
			"summary": in.Summary,
		},
	}
	if in.Status == "completed" {
		body["conclusion"] = in.Conclusion
		body["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	path := fmt.Sprintf("/repos/%s/%s/check-runs", in.Owner, in.Repo)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *GitHubClient) PostIssueComment(ctx context.Context, in IssueCommentInput) error {
	body := map[string]string{"body": in.Body}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", in.Owner, in.Repo, in.Number)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("scm: marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("scm: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Transient(err, "scm: %s %s failed", method, path)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return apierr.Transient(fmt.Errorf("status %d: %s", resp.StatusCode, raw), "scm: %s %s", method, path)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("scm: %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("scm: decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
