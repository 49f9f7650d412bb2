package sonar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSearchProjectsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/projects/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("unexpected auth header %q", got)
		}
		page := r.URL.Query().Get("p")
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case "1":
			comps := make([]map[string]string, 500)
			for i := range comps {
				comps[i] = map[string]string{"key": fmt.Sprintf("proj-%d", i)}
			}
			json.NewEncoder(w).Encode(map[string]any{
				"components": comps,
				"paging":     map[string]int{"total": 501},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"components": []map[string]string{{"key": "proj-500"}},
				"paging":     map[string]int{"total": 501},
			})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sekrit")
	keys, err := c.SearchProjects(context.Background(), "")
	if err != nil {
		t.Fatalf("search projects: %v", err)
	}
	if len(keys) != 501 || keys[0] != "proj-0" || keys[500] != "proj-500" {
		t.Fatalf("unexpected keys: len=%d", len(keys))
	}
}

func TestComponentMeasures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("component"); got != "widget_abc" {
			t.Errorf("unexpected component %q", got)
		}
		if got := r.URL.Query().Get("metricKeys"); got != "bugs,ncloc" {
			t.Errorf("unexpected metricKeys %q", got)
		}
		fmt.Fprint(w, `{"component": {"measures": [
			{"metric": "bugs", "value": "3"},
			{"metric": "ncloc", "periods": [{"value": "120"}]}
		]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	measures, err := c.ComponentMeasures(context.Background(), "widget_abc", []string{"bugs", "ncloc"})
	if err != nil {
		t.Fatalf("measures: %v", err)
	}
	if len(measures) != 2 {
		t.Fatalf("expected 2 measures, got %d", len(measures))
	}
	if measures[0].EffectiveValue() != "3" {
		t.Fatalf("unexpected value: %q", measures[0].EffectiveValue())
	}
	// Period-only metrics fall back to the first period value.
	if measures[1].EffectiveValue() != "120" {
		t.Fatalf("unexpected period value: %q", measures[1].EffectiveValue())
	}
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"metrics": [{"key": "bugs"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond

	keys, err := c.SearchMetrics(context.Background())
	if err != nil {
		t.Fatalf("search metrics: %v", err)
	}
	if len(keys) != 1 || keys[0] != "bugs" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestAPIErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errors": [{"msg": "Component not found"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.ComponentMeasures(context.Background(), "ghost", []string{"bugs"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || !strings.Contains(apiErr.Body, "Component not found") {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "squ_token" || pass != "" {
			t.Errorf("unexpected basic auth %q %q %v", user, pass, ok)
		}
		fmt.Fprint(w, `{"metrics": []}`)
	}))
	defer srv.Close()

	c, err := NewClientWithBasicAuth(srv.URL, "squ_token:")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.SearchMetrics(context.Background()); err != nil {
		t.Fatalf("search metrics: %v", err)
	}

	if _, err := NewClientWithBasicAuth(srv.URL, "no-colon"); err == nil {
		t.Fatal("expected error for malformed basic auth")
	}
}

func TestWaitForCEWaitsForTerminalTask(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			fmt.Fprint(w, `{"queue": [{"id": "t1", "status": "PENDING"}]}`)
		case 2:
			fmt.Fprint(w, `{"queue": [], "current": {"id": "t1", "status": "IN_PROGRESS"}}`)
		default:
			fmt.Fprint(w, `{"queue": [], "current": {"id": "t1", "status": "SUCCESS"}}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	err := c.WaitForCE(context.Background(), "widget_abc", time.Second, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls.Load())
	}
}

func TestWaitForCEStopsOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if err := c.WaitForCE(context.Background(), "widget_abc", time.Second, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single poll on 401, got %d", calls.Load())
	}
}

func TestWaitForCETimesOutQuietly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"queue": [{"id": "t1", "status": "PENDING"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	start := time.Now()
	if err := c.WaitForCE(context.Background(), "widget_abc", 20*time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout did not bound the wait")
	}
}
