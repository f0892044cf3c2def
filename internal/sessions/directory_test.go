package sessions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Boundless-Studios/gaia-narration/internal/config"
)

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.SessionsConfig{Mode: "oracle"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestOpenDirectory(t *testing.T) {
	dir, err := New(config.SessionsConfig{Mode: "open"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if !dir.SessionExists(ctx, "any-session") {
		t.Fatal("expected open directory to accept any id")
	}
	if dir.SessionExists(ctx, "  ") {
		t.Fatal("expected open directory to reject blank id")
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := NewStaticDirectory([]string{"s1", " s2 ", ""})
	ctx := context.Background()
	if !dir.SessionExists(ctx, "s1") || !dir.SessionExists(ctx, "s2") {
		t.Fatal("expected listed ids to exist")
	}
	if dir.SessionExists(ctx, "s3") || dir.SessionExists(ctx, "") {
		t.Fatal("expected unlisted ids to not exist")
	}
}

func TestHTTPDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions/s1" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL+"/sessions", 0)
	ctx := context.Background()
	if !dir.SessionExists(ctx, "s1") {
		t.Fatal("expected s1 to exist")
	}
	if dir.SessionExists(ctx, "s2") {
		t.Fatal("expected s2 to not exist")
	}
}

func TestHTTPDirectoryUnreachableBackend(t *testing.T) {
	dir := NewHTTPDirectory("http://127.0.0.1:1/sessions", 0)
	if dir.SessionExists(context.Background(), "s1") {
		t.Fatal("expected unreachable backend to deny")
	}
}
