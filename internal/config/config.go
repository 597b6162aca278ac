package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	Call  CallConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Rooms RoomsConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// CallConfig carries the call core's store selection and timeout thresholds.
// Durations default in Validate(); production requires the durable backends.
type CallConfig struct {
	// Store selects the session store backend: memory or postgres.
	Store string

	RingTimeout      time.Duration
	HeartbeatTimeout time.Duration
	QueueTTL         time.Duration
	InitiateCooldown time.Duration
	SweepInterval    time.Duration
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// RoomsConfig points at the external conferencing service. When BaseURL is
// empty the process mints opaque local room references.
type RoomsConfig struct {
	BaseURL string
	APIKey  string
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Call.Store = strings.TrimSpace(os.Getenv("CALL_STORE"))
	// Duration env vars are optional; defaults applied in Validate(). A set
	// but malformed value is an error, not a silent default.
	{
		d, err := durationEnv("CALL_RING_TIMEOUT")
		c.Call.RingTimeout, parseErrs = appendDurationErr(parseErrs, d, err)
		d, err = durationEnv("CALL_HEARTBEAT_TIMEOUT")
		c.Call.HeartbeatTimeout, parseErrs = appendDurationErr(parseErrs, d, err)
		d, err = durationEnv("CALL_QUEUE_TTL")
		c.Call.QueueTTL, parseErrs = appendDurationErr(parseErrs, d, err)
		d, err = durationEnv("CALL_INITIATE_COOLDOWN")
		c.Call.InitiateCooldown, parseErrs = appendDurationErr(parseErrs, d, err)
		d, err = durationEnv("CALL_SWEEP_INTERVAL")
		c.Call.SweepInterval, parseErrs = appendDurationErr(parseErrs, d, err)
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if v := strings.TrimSpace(os.Getenv("DB_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("DB_PORT must be an integer, got %q", v))
		}
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if v := strings.TrimSpace(os.Getenv("REDIS_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("REDIS_PORT must be an integer, got %q", v))
		}
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	{
		d, err := durationEnv("JWT_ACCESS_TTL")
		c.Auth.AccessTokenTTL, parseErrs = appendDurationErr(parseErrs, d, err)
		d, err = durationEnv("JWT_REFRESH_TTL")
		c.Auth.RefreshTokenTTL, parseErrs = appendDurationErr(parseErrs, d, err)
	}

	c.Rooms.BaseURL = strings.TrimSpace(os.Getenv("ROOMS_BASE_URL"))
	c.Rooms.APIKey = os.Getenv("ROOMS_API_KEY")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Call.Store == "" {
		// Local-friendly default; production must use the durable store.
		c.Call.Store = StoreMemory
	}
	switch c.Call.Store {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("CALL_STORE must be one of memory, postgres, got %q", c.Call.Store))
	}
	if c.IsProduction() && c.Call.Store != StorePostgres {
		errs = append(errs, errors.New("CALL_STORE must be postgres in production"))
	}

	if c.Call.RingTimeout == 0 {
		c.Call.RingTimeout = 90 * time.Second
	}
	if c.Call.HeartbeatTimeout == 0 {
		c.Call.HeartbeatTimeout = 15 * time.Second
	}
	if c.Call.QueueTTL == 0 {
		c.Call.QueueTTL = 5 * time.Minute
	}
	if c.Call.InitiateCooldown == 0 {
		c.Call.InitiateCooldown = 5 * time.Second
	}
	if c.Call.SweepInterval == 0 {
		c.Call.SweepInterval = 2 * time.Second
	}
	for key, d := range map[string]time.Duration{
		"CALL_RING_TIMEOUT":      c.Call.RingTimeout,
		"CALL_HEARTBEAT_TIMEOUT": c.Call.HeartbeatTimeout,
		"CALL_QUEUE_TTL":         c.Call.QueueTTL,
		"CALL_INITIATE_COOLDOWN": c.Call.InitiateCooldown,
		"CALL_SWEEP_INTERVAL":    c.Call.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", key))
		}
	}

	if c.Call.Store == StorePostgres {
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required when CALL_STORE=postgres"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when CALL_STORE=postgres"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when CALL_STORE=postgres"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	// Redis is optional outside production: without it the cooldown and
	// dequeue guards fall back to in-process implementations.
	if c.IsProduction() && c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required in production"))
	}
	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) HasRedis() bool {
	return c.Redis.Host != ""
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func durationEnv(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendDurationErr(errs []error, d time.Duration, err error) (time.Duration, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
