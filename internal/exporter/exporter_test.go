package exporter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/pprof/profile"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		Sample:     []*profile.Sample{{Value: []int64{1}}},
	}
}

func TestExportSendsAuthenticatedGzippedPost(t *testing.T) {
	var gotAuth, gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp := New(Config{
		CollectorURL: srv.URL,
		SigningKey:   []byte("test-key"),
		WorkerID:     "worker-1",
	})

	if err := exp.Export(context.Background(), testProfile()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if gotEncoding != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", gotEncoding)
	}
	if len(gotAuth) < len("Bearer ") || gotAuth[:7] != "Bearer " {
		t.Fatalf("Authorization header malformed: %q", gotAuth)
	}

	tokenStr := gotAuth[7:]
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		return []byte("test-key"), nil
	})
	if err != nil {
		t.Fatalf("token did not validate against signing key: %v", err)
	}
	if claims.Subject != "worker-1" {
		t.Fatalf("claims.Subject = %q, want worker-1", claims.Subject)
	}
}

func TestExport4xxIsPermanentFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	exp := New(Config{
		CollectorURL:   srv.URL,
		SigningKey:     []byte("k"),
		WorkerID:       "w",
		MaxElapsedTime: 500 * time.Millisecond,
	})

	if err := exp.Export(context.Background(), testProfile()); err == nil {
		t.Fatalf("expected export to fail on 401")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent 4xx failure, got %d", attempts)
	}
}

func TestExportRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp := New(Config{
		CollectorURL:   srv.URL,
		SigningKey:     []byte("k"),
		WorkerID:       "w",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		MaxElapsedTime: 5 * time.Second,
	})

	if err := exp.Export(context.Background(), testProfile()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
