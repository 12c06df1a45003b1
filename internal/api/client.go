package api

import (
	"net/http"

	"studio-sync/internal/config"
	"studio-sync/internal/logging"
)

// Client talks to the studio server's workspace HTTP APIs: resource writes
// under optimistic concurrency and execution starts.
type Client struct {
	http      *http.Client
	token     string
	workspace string
	endpoints config.APIEndpoints
	logger    *logging.Logger
}

func New(httpClient *http.Client, token, workspace string, endpoints config.APIEndpoints, logger *logging.Logger) *Client {
	if logger == nil {
		panic("api.New: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, token: token, workspace: workspace, endpoints: endpoints, logger: logger}
}
