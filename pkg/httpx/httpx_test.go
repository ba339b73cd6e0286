package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
	fivedregtls "github.com/HatiCode/fivedreg/pkg/tls"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"no model", fmt.Errorf("predict: %w", errdefs.ErrNoModel), http.StatusServiceUnavailable},
		{"shape", fmt.Errorf("expected 5 features, got 4: %w", errdefs.ErrShape), http.StatusBadRequest},
		{"schema", errdefs.ErrSchema, http.StatusBadRequest},
		{"invalid config", errdefs.ErrInvalidConfig, http.StatusBadRequest},
		{"non-finite", fmt.Errorf("feature 0 scales to +Inf: %w", errdefs.ErrNonFinite), http.StatusBadRequest},
		{"too large", errdefs.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{"not found", errdefs.ErrNotFound, http.StatusNotFound},
		{"busy", errdefs.ErrBusy, http.StatusConflict},
		{"not trained", errdefs.ErrNotTrained, http.StatusInternalServerError},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFromError(tt.err); got != tt.want {
				t.Errorf("StatusFromError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteErrorFor(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorFor(rec, fmt.Errorf("expected 5 features, got 4: %w", errdefs.ErrShape))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"error":"expected 5 features, got 4: shape error"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		value      any
		wantStatus int
		wantBody   string
		wantErr    bool
	}{
		{"encodable", http.StatusCreated, map[string]float64{"prediction": 1.5}, http.StatusCreated, `{"prediction":1.5}`, false},
		{"nan", http.StatusOK, map[string]float64{"prediction": math.NaN()}, http.StatusInternalServerError, `{"error":"failed to encode response"}`, true},
		{"inf", http.StatusOK, map[string]float64{"prediction": math.Inf(1)}, http.StatusInternalServerError, `{"error":"failed to encode response"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			err := WriteJSON(rec, tt.status, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WriteJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Epochs int `json:"epochs"`
	}

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"valid", `{"epochs": 5}`, 5, false},
		{"empty keeps defaults", ``, 100, false},
		{"malformed", `{"epochs": `, 100, true},
		{"wrong type", `{"epochs": "five"}`, 100, true},
		{"unknown field", `{"epochs": 5, "hidden_size": 8}`, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/train", strings.NewReader(tt.input))
			b := body{Epochs: 100}
			err := DecodeJSON(req, &b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errdefs.ErrSchema) {
				t.Errorf("error %v does not wrap ErrSchema", err)
			}
			if !tt.wantErr && b.Epochs != tt.want {
				t.Errorf("Epochs = %d, want %d", b.Epochs, tt.want)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	storeDown := errors.New("store down")
	var sawDeadline bool

	tests := []struct {
		name     string
		checks   []Check
		wantCode int
		wantBody string
	}{
		{"liveness", nil, http.StatusOK, "OK"},
		{
			"passing check",
			[]Check{{Name: "store", Fn: func(ctx context.Context) error {
				_, sawDeadline = ctx.Deadline()
				return nil
			}}},
			http.StatusOK, "OK",
		},
		{
			"failing check named",
			[]Check{
				{Name: "store", Fn: func(context.Context) error { return storeDown }},
				{Name: "never", Fn: func(context.Context) error { t.Error("ran after failure"); return nil }},
			},
			http.StatusServiceUnavailable, "store: store down",
		},
		{
			"timeout",
			[]Check{{Name: "slow", Timeout: 10 * time.Millisecond, Fn: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}}},
			http.StatusServiceUnavailable, "slow: context deadline exceeded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HealthHandler(tt.checks...)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want containing %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
	if !sawDeadline {
		t.Error("check context carried no deadline")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestLoggingMiddleware_PassesStatus(t *testing.T) {
	h := LoggingMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		preflight  bool
		wantOrigin string
		wantStatus int
	}{
		{"allowed origin", []string{"http://localhost:3000"}, http.MethodGet, "http://localhost:3000", false, "http://localhost:3000", http.StatusOK},
		{"other origin", []string{"http://localhost:3000"}, http.MethodGet, "http://evil.example", false, "", http.StatusOK},
		{"no origin", []string{"http://localhost:3000"}, http.MethodGet, "", false, "", http.StatusOK},
		{"wildcard", []string{"*"}, http.MethodGet, "http://anything.example", false, "http://anything.example", http.StatusOK},
		{"preflight", []string{"http://localhost:3000"}, http.MethodOptions, "http://localhost:3000", true, "http://localhost:3000", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/predict", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			CORSMiddleware(tt.allowed)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.preflight && rec.Header().Get("Access-Control-Allow-Methods") == "" {
				t.Error("preflight missing Allow-Methods")
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(fivedregtls.Config{}, 3*time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}

	_, err = NewClient(fivedregtls.Config{Enabled: true, CAFile: "/nonexistent/ca.pem"}, time.Second)
	if err == nil {
		t.Error("NewClient() with missing CA should fail")
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", HealthHandler(), discardLogger())

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	// Shutdown before or after ListenAndServe begins both end Start cleanly.
	time.Sleep(50 * time.Millisecond)
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
