package sonar

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// CETask is one compute-engine task for a component.
type CETask struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CEStatus is the /api/ce/component response: queued tasks plus the most
// recent (or in-flight) one.
type CEStatus struct {
	Queue   []CETask `json:"queue"`
	Current *CETask  `json:"current"`
}

// Compute-engine task states.
const (
	CEStatusPending    = "PENDING"
	CEStatusInProgress = "IN_PROGRESS"
	CEStatusSuccess    = "SUCCESS"
	CEStatusFailed     = "FAILED"
	CEStatusCanceled   = "CANCELED"
)

// ComponentCE fetches compute-engine activity for one component.
func (c *Client) ComponentCE(ctx context.Context, component string) (*CEStatus, error) {
	var status CEStatus
	params := url.Values{"component": {component}}
	if err := c.get(ctx, "/api/ce/component", params, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func terminal(status string) bool {
	return status == CEStatusSuccess || status == CEStatusFailed || status == CEStatusCanceled
}

// WaitForCE blocks until the server-side compute engine has ingested the
// latest analysis of projectKey: the queue is empty and any current task is
// terminal. The wait gives up after timeout with a warning; it never turns a
// successful local scan into a failure. A 401 means the token cannot read CE
// activity, which is also not worth failing the scan over.
func (c *Client) WaitForCE(ctx context.Context, projectKey string, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, err := c.ComponentCE(ctx, projectKey)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
				slog.Warn("Token cannot read CE activity, skipping wait", "project", projectKey)
				return nil
			}
			// Transient API trouble; the poll loop doubles as the retry.
			slog.Warn("CE status check failed", "project", projectKey, "error", err)
		} else {
			if len(status.Queue) == 0 {
				if status.Current == nil {
					slog.Debug("CE queue empty with no task", "project", projectKey)
					return nil
				}
				if terminal(status.Current.Status) {
					if status.Current.Status != CEStatusSuccess {
						slog.Warn("CE task ended without success",
							"project", projectKey, "status", status.Current.Status)
					}
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			slog.Warn("Timed out waiting for CE ingestion", "project", projectKey, "timeout", timeout)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
