package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"studio-sync/internal/logging"
)

// ExecutionResponse is the synchronous answer to a job start. It either
// already carries a terminal status or names the pending execution whose
// lifecycle arrives over the realtime channel.
type ExecutionResponse struct {
	ExecutionID string          `json:"executionId"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type executionPayload struct {
	JobID     string         `json:"jobId"`
	Workspace string         `json:"workspace"`
	Params    map[string]any `json:"params,omitempty"`
}

func (c *Client) StartExecution(ctx context.Context, jobID string, params map[string]any) (ExecutionResponse, error) {
	body, err := json.Marshal(executionPayload{JobID: jobID, Workspace: c.workspace, Params: params})
	if err != nil {
		return ExecutionResponse{}, err
	}
	c.logger.Debug("starting execution",
		logging.Field("job_id", jobID),
		logging.Field("payload", logging.FormatHTTPPayload(body)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.ExecutionURL, bytes.NewReader(body))
	if err != nil {
		return ExecutionResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ExecutionResponse{}, err
	}
	defer resp.Body.Close()
	c.logger.Debugf("POST %s -> %s", c.endpoints.ExecutionURL, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("execution start rejected",
			logging.Field("status", resp.Status),
			logging.Field("job_id", jobID),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return ExecutionResponse{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var out ExecutionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		c.logger.Warn("invalid execution response JSON",
			logging.Field("job_id", jobID),
			logging.Field("error", err),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return ExecutionResponse{}, err
	}
	if strings.TrimSpace(out.ExecutionID) == "" {
		out.ExecutionID = jobID
	}
	return out, nil
}
