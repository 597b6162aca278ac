package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Call.Store != StoreMemory {
		t.Fatalf("expected memory store default, got %q", c.Call.Store)
	}
	if c.Call.RingTimeout != 90*time.Second {
		t.Fatalf("expected 90s ring timeout default, got %v", c.Call.RingTimeout)
	}
	if c.Call.HeartbeatTimeout != 15*time.Second {
		t.Fatalf("expected 15s heartbeat timeout default, got %v", c.Call.HeartbeatTimeout)
	}
	if c.Call.QueueTTL != 5*time.Minute {
		t.Fatalf("expected 5m queue ttl default, got %v", c.Call.QueueTTL)
	}
	if c.Call.InitiateCooldown != 5*time.Second {
		t.Fatalf("expected 5s cooldown default, got %v", c.Call.InitiateCooldown)
	}
}

func TestValidate_ProductionRequiresDurableBackends(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "production", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production with memory store and no redis")
	}
}

func TestValidate_PostgresRequiresDBConfig(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Call: CallConfig{Store: StorePostgres},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for postgres store without DB config")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Call: CallConfig{Store: StorePostgres},
		DB:   DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callflow", SSLMode: ""},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_RejectsNegativeDuration(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Call: CallConfig{RingTimeout: -time.Second},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for negative ring timeout")
	}
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALL_RING_TIMEOUT", "ninety seconds")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error for malformed CALL_RING_TIMEOUT")
	}
	if !strings.Contains(err.Error(), "CALL_RING_TIMEOUT") {
		t.Fatalf("error must name the offending variable, got %v", err)
	}
}

func TestLoad_ParsesDurations(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALL_RING_TIMEOUT", "45s")
	t.Setenv("CALL_HEARTBEAT_TIMEOUT", "")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Call.RingTimeout != 45*time.Second {
		t.Fatalf("expected 45s ring timeout, got %v", c.Call.RingTimeout)
	}
	// Unset falls back to the Validate default.
	if c.Call.HeartbeatTimeout != 15*time.Second {
		t.Fatalf("expected heartbeat default, got %v", c.Call.HeartbeatTimeout)
	}
}
