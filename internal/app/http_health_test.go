package app

import (
	"context"
	"net/http"
	"testing"
)

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeStore{})

	resp, payload := env.getJSON(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Fatalf("ok = %v, want true", payload["ok"])
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		PingFn: func(ctx context.Context) error { return errBoom },
	}
	env := newTestEnv(t, fs)

	resp, payload := env.getJSON(t, "/ready", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if payload["status"] != "not_ready" {
		t.Fatalf("status field = %v, want not_ready", payload["status"])
	}
}

func TestReadyOK(t *testing.T) {
	env := newTestEnv(t, &fakeStore{})

	resp, payload := env.getJSON(t, "/ready", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Fatalf("ok = %v, want true", payload["ok"])
	}
}
