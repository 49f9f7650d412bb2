// Package forge talks to GitHub on behalf of the commit replay planner. All
// requests go through a rotating token pool so a single exhausted token never
// stalls a batch.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// ErrNoTokens is returned when the pool was built without any usable token.
var ErrNoTokens = errors.New("no GitHub tokens configured")

// AllRateLimitedError signals that every token in the pool is cooling down.
type AllRateLimitedError struct {
	RetryAt time.Time
}

func (e *AllRateLimitedError) Error() string {
	return fmt.Sprintf("all GitHub tokens are rate limited until %s UTC",
		e.RetryAt.UTC().Format("2006-01-02 15:04:05"))
}

type tokenClient struct {
	gh        *github.Client
	coolUntil time.Time
}

// Pool rotates a set of authenticated GitHub clients round-robin, skipping
// tokens that hit their rate limit until their reset time passes.
type Pool struct {
	mu      sync.Mutex
	clients []*tokenClient
	cursor  int
}

// NewPool builds one authenticated client per token. baseURL overrides the
// API endpoint when non-empty (used against test servers and GHE installs).
func NewPool(tokens []string, baseURL string) (*Pool, error) {
	p := &Pool{}
	for _, token := range tokens {
		if token == "" {
			continue
		}
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		gh := github.NewClient(oauth2.NewClient(context.Background(), src))
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil {
				return nil, fmt.Errorf("parsing forge base URL: %w", err)
			}
			if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
				u.Path += "/"
			}
			gh.BaseURL = u
		}
		p.clients = append(p.clients, &tokenClient{gh: gh})
	}
	if len(p.clients) == 0 {
		return nil, ErrNoTokens
	}
	return p, nil
}

// Size returns the number of tokens in the pool.
func (p *Pool) Size() int { return len(p.clients) }

// acquire returns the next client whose cooldown has expired.
func (p *Pool) acquire() (*tokenClient, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.clients); i++ {
		tc := p.clients[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.clients)
		if !tc.coolUntil.After(now) {
			return tc, nil
		}
	}
	return nil, &AllRateLimitedError{RetryAt: p.nextAvailableLocked()}
}

// markRateLimited parks the client until reset; a zero reset falls back to a
// 60s cooldown. The floor of now+1s guards against reset times in the past.
func (p *Pool) markRateLimited(tc *tokenClient, reset time.Time) {
	if reset.IsZero() {
		reset = time.Now().Add(60 * time.Second)
	}
	if floor := time.Now().Add(time.Second); reset.Before(floor) {
		reset = floor
	}
	p.mu.Lock()
	tc.coolUntil = reset
	p.mu.Unlock()
	slog.Warn("GitHub token exhausted, cooling down",
		"until", reset.UTC().Format("2006-01-02 15:04:05"))
}

func (p *Pool) nextAvailableLocked() time.Time {
	next := time.Time{}
	for _, tc := range p.clients {
		if next.IsZero() || tc.coolUntil.Before(next) {
			next = tc.coolUntil
		}
	}
	if next.IsZero() {
		return time.Now()
	}
	return next
}
