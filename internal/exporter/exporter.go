// Package exporter implements the outbound profile path (spec.md §6): an
// Exporter interface the aggregator's export goroutine calls on every
// flip, and an HTTPExporter that ships gzipped pprof bytes to a collector
// with bearer-JWT auth and exponential-backoff retry, grounded on the
// teacher's transport.GRPCTransport reconnect discipline adapted from a
// long-lived stream to a one-shot POST per export.
package exporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/pprof/profile"
	"github.com/google/uuid"
)

// Exporter ships a completed profile document to the collector.
type Exporter interface {
	Export(ctx context.Context, prof *profile.Profile) error
}

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxElapsed     = 45 * time.Second
)

// Config configures an HTTPExporter.
type Config struct {
	// CollectorURL is the full HTTP(S) endpoint the gzipped pprof payload
	// is POSTed to. Required.
	CollectorURL string

	// SigningKey signs the short-lived bearer JWT attached to every
	// export. Required.
	SigningKey []byte

	// WorkerID identifies this worker process in the JWT subject claim
	// and the X-Worker-Id header.
	WorkerID string

	// TokenTTL bounds the lifetime of each minted bearer token. Defaults
	// to 60 seconds.
	TokenTTL time.Duration

	// InitialBackoff/MaxBackoff/MaxElapsedTime tune the retry schedule for
	// one export attempt. Defaults to 500ms / 30s / 45s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsedTime time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = 60 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxElapsedTime == 0 {
		c.MaxElapsedTime = defaultMaxElapsed
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTPExporter implements Exporter by POSTing a gzip-compressed pprof
// payload to cfg.CollectorURL, authenticated with a per-request bearer
// JWT, retrying the whole attempt with exponential backoff.
type HTTPExporter struct {
	cfg Config
}

// New builds an HTTPExporter from cfg.
func New(cfg Config) *HTTPExporter {
	cfg.applyDefaults()
	return &HTTPExporter{cfg: cfg}
}

// Export implements Exporter. Each call mints a fresh export UUID (for
// collector-side dedup, mirroring the teacher's per-alert UUIDs) and bearer
// token, then retries the POST with exponential backoff until it succeeds,
// ctx is cancelled, or MaxElapsedTime is exceeded.
func (e *HTTPExporter) Export(ctx context.Context, prof *profile.Profile) error {
	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return fmt.Errorf("exporter: encode profile: %w", err)
	}
	body := buf.Bytes()

	exportID := uuid.New().String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	b.MaxElapsedTime = e.cfg.MaxElapsedTime

	op := func() error {
		return e.attempt(ctx, body, exportID)
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("exporter: export %s: %w", exportID, err)
	}
	e.cfg.Logger.Info("exporter: profile shipped",
		slog.String("export_id", exportID), slog.Int("bytes", len(body)))
	return nil
}

func (e *HTTPExporter) attempt(ctx context.Context, body []byte, exportID string) error {
	token, err := e.signToken()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("sign token: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.CollectorURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/vnd.google.protobuf+gzip")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Export-Id", exportID)
	req.Header.Set("X-Worker-Id", e.cfg.WorkerID)

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("collector rejected export: %s", resp.Status))
	}
	return nil
}

// signToken mints a short-lived HS256 bearer token identifying this
// worker, validated the same way the teacher's JWTMiddleware validates
// RS256 dashboard tokens (claims, expiry, signing method) — HS256 here
// because the exporter and collector share a symmetric key rather than a
// PKI the agent would also need to provision.
func (e *HTTPExporter) signToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   e.cfg.WorkerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(e.cfg.TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(e.cfg.SigningKey)
}
