package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"studio-sync/internal/logging"
)

type WriteRequest struct {
	Path            string
	Content         string
	Encoding        string
	ExpectedVersion string
	SkipDeferred    bool
}

type Diagnostic struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

type WriteResult struct {
	NewVersion      string       `json:"version"`
	Content         string       `json:"content,omitempty"`
	ContentModified bool         `json:"contentModified"`
	DeferredWork    bool         `json:"deferredWork"`
	Diagnostics     []Diagnostic `json:"diagnostics,omitempty"`
}

type writePayload struct {
	Content      string `json:"content"`
	Encoding     string `json:"encoding"`
	SkipDeferred bool   `json:"skipDeferred,omitempty"`
}

type conflictPayload struct {
	Reason         string `json:"reason"`
	CurrentVersion string `json:"currentVersion"`
	ModifiedBy     string `json:"modifiedBy"`
	ModifiedAt     string `json:"modifiedAt"`
}

// Write stores one resource revision. ExpectedVersion rides the If-Match
// header; a 409 is decoded into a *ConflictError rather than a bare status.
func (c *Client) Write(ctx context.Context, wr WriteRequest) (WriteResult, error) {
	body, err := json.Marshal(writePayload{
		Content:      wr.Content,
		Encoding:     wr.Encoding,
		SkipDeferred: wr.SkipDeferred,
	})
	if err != nil {
		return WriteResult{}, err
	}

	q := url.Values{}
	q.Set("workspace", c.workspace)
	q.Set("path", wr.Path)
	target := c.endpoints.WriteURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return WriteResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", wr.ExpectedVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return WriteResult{}, err
	}
	defer resp.Body.Close()
	c.logger.Debugf("PUT %s -> %s", c.endpoints.WriteURL, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusConflict {
		var conflict conflictPayload
		_ = json.Unmarshal(data, &conflict)
		c.logger.Warn("write rejected with version conflict",
			logging.Field("path", wr.Path),
			logging.Field("reason", conflict.Reason),
			logging.Field("current_version", conflict.CurrentVersion),
		)
		return WriteResult{}, &ConflictError{
			Path:           wr.Path,
			Reason:         conflict.Reason,
			CurrentVersion: conflict.CurrentVersion,
			ModifiedBy:     conflict.ModifiedBy,
			ModifiedAt:     conflict.ModifiedAt,
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("write rejected",
			logging.Field("status", resp.Status),
			logging.Field("path", wr.Path),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return WriteResult{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var result WriteResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Warn("invalid write response JSON",
			logging.Field("path", wr.Path),
			logging.Field("error", err),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return WriteResult{}, err
	}
	c.logger.Debug("write accepted",
		logging.Field("path", wr.Path),
		logging.Field("version", result.NewVersion),
		logging.Field("deferred_work", result.DeferredWork),
	)
	return result, nil
}
