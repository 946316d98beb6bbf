// Package scm talks to the source-control host (GitHub-shaped REST API)
// on behalf of the patch and pull-request pipeline: opening/upserting
// pull requests, posting check runs, and commenting on issues for review
// writeback. Credential selection prefers an installation (app)
// credential over a personal token, per spec §6.
package scm

import "context"

// PullRequestInput is what UpsertPullRequest needs, matching spec §6's
// {owner, repo, base, head, title, body} shape exactly.
type PullRequestInput struct {
	Owner string
	Repo  string
	Base  string
	Head  string
	Title string
	Body  string
}

// PullRequestResult is what a created or upserted pull request reports
// back: {number, url, head.sha}.
type PullRequestResult struct {
	Number  int
	URL     string
	HeadSHA string
}

type CheckRunInput struct {
	Owner      string
	Repo       string
	SHA        string
	Name       string
	Status     string // "queued", "in_progress", "completed"
	Conclusion string // required when Status == "completed"
	Title      string
	Summary    string
}

type IssueCommentInput struct {
	Owner  string
	Repo   string
	Number int
	Body   string
}

// Collaborator is the source-control host contract: upsert a pull request,
// post a check run, post an issue comment. It has no method to create or
// update issues.
type Collaborator interface {
	// UpsertPullRequest opens a new pull request for in.Head -> in.Base,
	// or returns the existing open one for the same head if already
	// present.
	UpsertPullRequest(ctx context.Context, in PullRequestInput) (PullRequestResult, error)
	PostCheckRun(ctx context.Context, in CheckRunInput) error
	PostIssueComment(ctx context.Context, in IssueCommentInput) error
}
