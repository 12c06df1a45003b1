package config

import (
	"errors"
	"net/url"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	BaseURL      string `long:"base-url" env:"STUDIO_BASE_URL" description:"Studio server base URL (e.g. https://studio.example.com)"`
	Token        string `long:"token" env:"STUDIO_TOKEN" description:"Workspace access token"`
	WorkspaceID  string `long:"workspace" env:"STUDIO_WORKSPACE" description:"Workspace identifier"`
	WorkspaceDir string `long:"workspace-dir" env:"STUDIO_WORKSPACE_DIR" description:"Local directory holding workspace resource files"`
	Debug        bool   `long:"debug" env:"STUDIO_DEBUG" description:"Enable verbose debug output"`
}

type APIEndpoints struct {
	BaseURL      string
	WriteURL     string
	ExecutionURL string
	RealtimeURL  string
}

const (
	writePath     = "/workspace/resources"
	executionPath = "/workspace/executions"
	realtimePath  = "/realtime"
)

func ParseOptions() (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.Parse(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return errors.New("workspace token is required")
	}
	if strings.TrimSpace(opts.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(opts.WorkspaceDir) == "" {
		return errors.New("workspace directory is required")
	}
	return nil
}

func BuildEndpoints(rawBaseURL string) (APIEndpoints, error) {
	apiBaseURL, err := buildAPIBaseURL(rawBaseURL)
	if err != nil {
		return APIEndpoints{}, err
	}
	realtimeURL, err := buildRealtimeURL(apiBaseURL)
	if err != nil {
		return APIEndpoints{}, err
	}
	return APIEndpoints{
		BaseURL:      apiBaseURL,
		WriteURL:     apiBaseURL + writePath,
		ExecutionURL: apiBaseURL + executionPath,
		RealtimeURL:  realtimeURL,
	}, nil
}

func buildAPIBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	parsed, err := url.Parse(value)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("base URL must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("base URL is missing a host")
	}
	// Users paste full endpoint URLs; keep only scheme+host and mount /api.
	return parsed.Scheme + "://" + parsed.Host + "/api", nil
}

// buildRealtimeURL derives the websocket endpoint from the API base URL.
func buildRealtimeURL(apiBaseURL string) (string, error) {
	parsed, err := url.Parse(apiBaseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + realtimePath
	return parsed.String(), nil
}
