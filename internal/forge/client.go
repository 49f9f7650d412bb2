package forge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
)

const maxAttempts = 3

// APIError is a non-rate-limit HTTP failure from the GitHub API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API returned %d: %s", e.Status, e.Body)
}

// Commit is the subset of a GitHub commit the replay planner needs.
type Commit struct {
	SHA     string
	Parents []string
	Message string
}

// Client fetches commit metadata and patches through the token pool.
type Client struct {
	pool *Pool
}

func NewClient(pool *Pool) *Client {
	return &Client{pool: pool}
}

// GetCommit fetches commit metadata for repoSlug ("owner/repo").
func (c *Client) GetCommit(ctx context.Context, repoSlug, sha string) (*Commit, error) {
	var out *Commit
	err := c.withRetry(ctx, func(gh *github.Client) error {
		owner, repo, err := splitSlug(repoSlug)
		if err != nil {
			return err
		}
		rc, _, err := gh.Repositories.GetCommit(ctx, owner, repo, sha, nil)
		if err != nil {
			return err
		}
		commit := &Commit{SHA: rc.GetSHA()}
		if rc.Commit != nil {
			commit.Message = rc.Commit.GetMessage()
		}
		for _, p := range rc.Parents {
			commit.Parents = append(commit.Parents, p.GetSHA())
		}
		out = commit
		return nil
	})
	return out, err
}

// GetCommitPatch fetches the raw patch text for a commit.
func (c *Client) GetCommitPatch(ctx context.Context, repoSlug, sha string) (string, error) {
	var out string
	err := c.withRetry(ctx, func(gh *github.Client) error {
		owner, repo, err := splitSlug(repoSlug)
		if err != nil {
			return err
		}
		raw, _, err := gh.Repositories.GetCommitRaw(ctx, owner, repo, sha,
			github.RawOptions{Type: github.Patch})
		if err != nil {
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

// withRetry runs fn with up to maxAttempts tokens. Rate-limited tokens are
// parked and the next token is tried; other API errors end the loop.
func (c *Client) withRetry(ctx context.Context, fn func(*github.Client) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tc, err := c.pool.acquire()
		if err != nil {
			return err
		}

		err = fn(tc.gh)
		if err == nil {
			return nil
		}

		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			c.pool.markRateLimited(tc, rateErr.Rate.Reset.Time)
			lastErr = err
			continue
		}
		var abuseErr *github.AbuseRateLimitError
		if errors.As(err, &abuseErr) {
			reset := time.Time{}
			if d := abuseErr.GetRetryAfter(); d > 0 {
				reset = time.Now().Add(d)
			}
			c.pool.markRateLimited(tc, reset)
			lastErr = err
			continue
		}
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil {
			return &APIError{Status: ghErr.Response.StatusCode, Body: ghErr.Message}
		}
		// Transport-level failure; try the next token.
		lastErr = err
	}
	return fmt.Errorf("GitHub request failed after %d attempts: %w", maxAttempts, lastErr)
}

func splitSlug(repoSlug string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(repoSlug, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repo slug %q, want owner/repo", repoSlug)
	}
	return owner, repo, nil
}
