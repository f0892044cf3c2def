package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Narration.PendingTimeoutSec != 300 {
		t.Fatalf("expected default pending timeout 300, got %d", cfg.Narration.PendingTimeoutSec)
	}
	if cfg.Narration.RetentionDays != 7 {
		t.Fatalf("expected default retention 7 days, got %d", cfg.Narration.RetentionDays)
	}
	if cfg.Listener.HeartbeatTimeoutSec != 90 {
		t.Fatalf("expected default heartbeat timeout 90, got %d", cfg.Listener.HeartbeatTimeoutSec)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GAIA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("GAIA_BUS_USERNAME", "alice")
	t.Setenv("GAIA_BUS_PASSWORD", "secret")
	t.Setenv("GAIA_NARRATION_PENDING_TIMEOUT_SEC", "120")
	t.Setenv("GAIA_NARRATION_RETENTION_DAYS", "3")
	t.Setenv("GAIA_LISTENER_HEARTBEAT_TIMEOUT_SEC", "45")
	t.Setenv("GAIA_GENERATOR_MODE", "exec")
	t.Setenv("GAIA_GENERATOR_COMMAND", "synthctl --stream")
	t.Setenv("GAIA_JOURNAL_PATH", "./tmp.db")
	t.Setenv("GAIA_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("GAIA_SESSIONS_MODE", "static")
	t.Setenv("GAIA_SESSIONS_ALLOWED_IDS", "s1, s2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Narration.PendingTimeoutSec != 120 {
		t.Fatalf("expected pending timeout override, got %d", cfg.Narration.PendingTimeoutSec)
	}
	if cfg.Narration.RetentionDays != 3 {
		t.Fatalf("expected retention override, got %d", cfg.Narration.RetentionDays)
	}
	if cfg.Listener.HeartbeatTimeoutSec != 45 {
		t.Fatalf("expected heartbeat override, got %d", cfg.Listener.HeartbeatTimeoutSec)
	}
	if cfg.Generator.Mode != "exec" || cfg.Generator.Command != "synthctl --stream" {
		t.Fatalf("expected generator override, got %+v", cfg.Generator)
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected journal retention mode override")
	}
	if len(cfg.Sessions.AllowedIDs) != 2 {
		t.Fatalf("expected allowed ids override, got %v", cfg.Sessions.AllowedIDs)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	t.Setenv("GAIA_GENERATOR_MODE", "cloud")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown generator mode")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	t.Setenv("GAIA_GENERATOR_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
}
