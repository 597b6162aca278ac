package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"callflow/internal/call"
)

func TestOpaqueProvider(t *testing.T) {
	p := OpaqueProvider{}
	ref, err := p.CreateRoom(context.Background(), call.KindVideo)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !strings.HasPrefix(ref, "room-video-") {
		t.Fatalf("unexpected room ref %q", ref)
	}

	other, _ := p.CreateRoom(context.Background(), call.KindVideo)
	if other == ref {
		t.Fatalf("room refs must be unique")
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
}

func TestHTTPProvider_CreateRoom(t *testing.T) {
	var gotKind, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rooms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKind = r.URL.Query().Get("kind")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"room_ref": "conf-abc123"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret-key")
	ref, err := p.CreateRoom(context.Background(), call.KindAudio)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if ref != "conf-abc123" {
		t.Fatalf("unexpected room ref %q", ref)
	}
	if gotKind != "audio" {
		t.Fatalf("expected kind=audio, got %q", gotKind)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
}

func TestHTTPProvider_CreateRoomFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			"upstream error status",
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		},
		{
			"empty room ref",
			func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"room_ref": ""})
			},
		},
		{
			"malformed body",
			func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{")) },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			p := NewHTTPProvider(srv.URL, "")
			if _, err := p.CreateRoom(context.Background(), call.KindVideo); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestHTTPProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	p = NewHTTPProvider(down.URL, "")
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Fatalf("expected error from unhealthy upstream")
	}
}
