package sessions

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Boundless-Studios/gaia-narration/internal/config"
)

// Directory answers whether a session id is known to the surrounding system.
// Narration state is only ever created for sessions the game backend owns.
type Directory interface {
	SessionExists(ctx context.Context, sessionID string) bool
}

// New builds a directory from config.
func New(cfg config.SessionsConfig) (Directory, error) {
	switch cfg.Mode {
	case "open":
		return openDirectory{}, nil
	case "static":
		return NewStaticDirectory(cfg.AllowedIDs), nil
	case "http":
		return NewHTTPDirectory(cfg.Endpoint, 0), nil
	default:
		return nil, fmt.Errorf("unknown sessions mode %q", cfg.Mode)
	}
}

// openDirectory accepts any non-empty session id. Development default.
type openDirectory struct{}

func (openDirectory) SessionExists(_ context.Context, sessionID string) bool {
	return strings.TrimSpace(sessionID) != ""
}

// StaticDirectory accepts a fixed allow-list of session ids.
type StaticDirectory struct {
	allowed map[string]struct{}
}

func NewStaticDirectory(ids []string) *StaticDirectory {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &StaticDirectory{allowed: allowed}
}

func (d *StaticDirectory) SessionExists(_ context.Context, sessionID string) bool {
	_, ok := d.allowed[sessionID]
	return ok
}

// HTTPDirectory checks session validity against the game backend. A 2xx
// response means the session exists; anything else, including transport
// errors, means it does not.
type HTTPDirectory struct {
	endpoint string
	client   *http.Client
}

func NewHTTPDirectory(endpoint string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPDirectory{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) SessionExists(ctx context.Context, sessionID string) bool {
	target := d.endpoint + "/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
