// Package sonar is the shared SonarQube web API client used by the scanner
// driver (compute-engine wait) and the measures exporter. Transient failures
// (429, 5xx) are retried with backoff before surfacing an error.
package sonar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultPageSize = 500

// APIError is a non-2xx response after retries were exhausted.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("SonarQube API returned %d: %s", e.Status, e.Body)
}

// Client issues authenticated JSON requests against one SonarQube server.
type Client struct {
	baseURL    string
	authHeader string
	http       *retryablehttp.Client
}

// NewClient builds a client with Bearer token auth.
func NewClient(baseURL, token string) *Client {
	c := newClient(baseURL)
	if token != "" {
		c.authHeader = "Bearer " + token
	}
	return c
}

// NewClientWithBasicAuth builds a client from "user:pass" credentials; the
// "token:" form (empty password) authenticates a user token over basic auth.
func NewClientWithBasicAuth(baseURL, auth string) (*Client, error) {
	if !strings.Contains(auth, ":") {
		return nil, fmt.Errorf("basic auth must be formatted as user:pass or token:")
	}
	c := newClient(baseURL)
	c.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
	return c, nil
}

func newClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// SearchProjects pages through /api/projects/search and returns all project
// keys matching the qualifier (TRK for regular projects).
func (c *Client) SearchProjects(ctx context.Context, qualifier string) ([]string, error) {
	if qualifier == "" {
		qualifier = "TRK"
	}
	var keys []string
	for page := 1; ; page++ {
		var data struct {
			Components []struct {
				Key string `json:"key"`
			} `json:"components"`
			Paging struct {
				Total int `json:"total"`
			} `json:"paging"`
		}
		params := url.Values{
			"p":          {fmt.Sprint(page)},
			"ps":         {fmt.Sprint(defaultPageSize)},
			"qualifiers": {qualifier},
		}
		if err := c.get(ctx, "/api/projects/search", params, &data); err != nil {
			return nil, err
		}
		if len(data.Components) == 0 {
			break
		}
		for _, comp := range data.Components {
			if comp.Key != "" {
				keys = append(keys, comp.Key)
			}
		}
		if len(keys) >= data.Paging.Total || len(data.Components) < defaultPageSize {
			break
		}
	}
	return keys, nil
}

// SearchMetrics pages through /api/metrics/search and returns all metric keys.
func (c *Client) SearchMetrics(ctx context.Context) ([]string, error) {
	var keys []string
	for page := 1; ; page++ {
		var data struct {
			Metrics []struct {
				Key string `json:"key"`
			} `json:"metrics"`
		}
		params := url.Values{
			"p":  {fmt.Sprint(page)},
			"ps": {fmt.Sprint(defaultPageSize)},
		}
		if err := c.get(ctx, "/api/metrics/search", params, &data); err != nil {
			return nil, err
		}
		if len(data.Metrics) == 0 {
			break
		}
		for _, m := range data.Metrics {
			if m.Key != "" {
				keys = append(keys, m.Key)
			}
		}
		if len(data.Metrics) < defaultPageSize {
			break
		}
	}
	return keys, nil
}

// Period is a leak-period value attached to a measure.
type Period struct {
	Value string `json:"value"`
}

// Measure is one metric value for a component.
type Measure struct {
	Metric  string   `json:"metric"`
	Value   string   `json:"value"`
	Periods []Period `json:"periods,omitempty"`
}

// EffectiveValue returns the measure's value, falling back to the first leak
// period for metrics that only report period values.
func (m Measure) EffectiveValue() string {
	if m.Value != "" {
		return m.Value
	}
	if len(m.Periods) > 0 {
		return m.Periods[0].Value
	}
	return ""
}

// ComponentMeasures fetches measures for one component and metric key set.
func (c *Client) ComponentMeasures(ctx context.Context, component string, metricKeys []string) ([]Measure, error) {
	var data struct {
		Component struct {
			Measures []Measure `json:"measures"`
		} `json:"component"`
	}
	params := url.Values{
		"component":  {component},
		"metricKeys": {strings.Join(metricKeys, ",")},
	}
	if err := c.get(ctx, "/api/measures/component", params, &data); err != nil {
		return nil, err
	}
	return data.Component.Measures, nil
}
