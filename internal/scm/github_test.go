package scm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/attractor-run/control-plane/internal/platform/config"
)

func TestNewGitHubClient_NoCredential(t *testing.T) {
	c, err := NewGitHubClient(context.Background(), config.SCMConfig{})
	if err != nil {
		t.Fatalf("NewGitHubClient with no credential returned an error: %v", err)
	}
	if c != nil {
		t.Fatal("NewGitHubClient with no credential returned a non-nil client, want nil")
	}
}

func TestGitHostFromAPIBaseURL(t *testing.T) {
	cases := map[string]string{
		"https://api.github.com":          "github.com",
		"https://ghe.example.com/api/v3":  "ghe.example.com",
		"https://ghe.example.com/api/v3/": "ghe.example.com",
	}
	for in, want := range cases {
		if got := gitHostFromAPIBaseURL(in); got != want {
			t.Errorf("gitHostFromAPIBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*GitHubClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c, err := NewGitHubClient(context.Background(), config.SCMConfig{
		BaseURL:       srv.URL,
		PersonalToken: "test-token",
	})
	if err != nil {
		t.Fatalf("NewGitHubClient: %v", err)
	}
	if c == nil {
		t.Fatal("NewGitHubClient returned a nil client with a personal token set")
	}
	return c, srv
}

func TestGitHubClient_CloneURL(t *testing.T) {
	var requested bool
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requested = true
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	url, err := c.CloneURL(context.Background(), "acme", "demo")
	if err != nil {
		t.Fatalf("CloneURL: %v", err)
	}
	want := "https://x-access-token:test-token@" + c.gitHost + "/acme/demo.git"
	if url != want {
		t.Errorf("CloneURL = %q, want %q", url, want)
	}
	if requested {
		t.Error("CloneURL made an HTTP request, want a local token mint only")
	}
}

func TestGitHubClient_UpsertPullRequest_CreatesWhenNoneOpen(t *testing.T) {
	var createCalled bool
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/demo/pulls":
			json.NewEncoder(w).Encode([]any{})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/demo/pulls":
			createCalled = true
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"number":   42,
				"html_url": "https://github.com/acme/demo/pull/42",
				"head":     map[string]string{"sha": "abc123"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	result, err := c.UpsertPullRequest(context.Background(), PullRequestInput{
		Owner: "acme", Repo: "demo", Base: "main", Head: "run/1", Title: "run 1",
	})
	if err != nil {
		t.Fatalf("UpsertPullRequest: %v", err)
	}
	if !createCalled {
		t.Fatal("UpsertPullRequest did not create a pull request")
	}
	if result.Number != 42 || result.URL == "" || result.HeadSHA != "abc123" {
		t.Errorf("result = %+v, want Number=42 HeadSHA=abc123", result)
	}
}

func TestGitHubClient_UpsertPullRequest_ReturnsExistingOpen(t *testing.T) {
	var createCalled bool
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/demo/pulls":
			json.NewEncoder(w).Encode([]map[string]any{
				{"number": 7, "html_url": "https://github.com/acme/demo/pull/7", "head": map[string]string{"sha": "def456"}},
			})
		case r.Method == http.MethodPost:
			createCalled = true
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	result, err := c.UpsertPullRequest(context.Background(), PullRequestInput{
		Owner: "acme", Repo: "demo", Base: "main", Head: "run/1", Title: "run 1",
	})
	if err != nil {
		t.Fatalf("UpsertPullRequest: %v", err)
	}
	if createCalled {
		t.Fatal("UpsertPullRequest created a new PR when one was already open")
	}
	if result.Number != 7 || result.HeadSHA != "def456" {
		t.Errorf("result = %+v, want existing PR #7", result)
	}
}

func TestGitHubClient_PostCheckRun_ServerError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	defer srv.Close()

	err := c.PostCheckRun(context.Background(), CheckRunInput{
		Owner: "acme", Repo: "demo", SHA: "abc", Name: "review", Status: "completed", Conclusion: "success",
	})
	if err == nil {
		t.Fatal("PostCheckRun against a 500 response succeeded, want error")
	}
}

func TestGitHubClient_PostIssueComment(t *testing.T) {
	var gotBody map[string]string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	err := c.PostIssueComment(context.Background(), IssueCommentInput{
		Owner: "acme", Repo: "demo", Number: 5, Body: "done",
	})
	if err != nil {
		t.Fatalf("PostIssueComment: %v", err)
	}
	if gotBody["body"] != "done" {
		t.Errorf("request body = %v, want body=done", gotBody)
	}
}
