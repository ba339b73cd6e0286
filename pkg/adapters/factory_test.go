package adapters

import (
	"net/http"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		location string
		wantKind string
		wantLoc  string
	}{
		{"plain path", "data/train.json", "file", "data/train.json"},
		{"file scheme", "file:///tmp/train.csv", "file", "/tmp/train.csv"},
		{"http", "http://host/train.json", "http", "http://host/train.json"},
		{"https uppercase", "HTTPS://host/train.json", "http", "HTTPS://host/train.json"},
		{"trimmed", "  data.json ", "file", "data.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(tt.location, Options{})
			if err != nil {
				t.Fatalf("New(%q) error: %v", tt.location, err)
			}
			if src.Name() != tt.wantKind {
				t.Errorf("Name() = %s, want %s", src.Name(), tt.wantKind)
			}
			if src.Location() != tt.wantLoc {
				t.Errorf("Location() = %s, want %s", src.Location(), tt.wantLoc)
			}
		})
	}
}

func TestNew_Empty(t *testing.T) {
	if _, err := New("   ", Options{}); err == nil {
		t.Fatal("expected error for empty location")
	}
}

func TestNew_HTTPOptions(t *testing.T) {
	client := &http.Client{Timeout: time.Second}
	src, err := New("https://host/data.json", Options{
		Headers:    map[string]string{"X-Key": "v"},
		MaxBytes:   42,
		HTTPClient: client,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	h, ok := src.(*HTTPSource)
	if !ok {
		t.Fatalf("expected *HTTPSource, got %T", src)
	}
	if h.HTTPClient != client {
		t.Error("HTTPClient not propagated")
	}
	if h.MaxBytes != 42 {
		t.Errorf("MaxBytes = %d, want 42", h.MaxBytes)
	}
	if h.Headers["X-Key"] != "v" {
		t.Error("Headers not propagated")
	}
}

func TestExt(t *testing.T) {
	tests := map[string]string{
		"data/train.json":               ".json",
		"data/train.CSV":                ".csv",
		"https://x/y/data.json?sig=abc": ".json",
		"https://x/y/data.csv#frag":     ".csv",
		"noext":                         "",
	}
	for in, want := range tests {
		if got := Ext(in); got != want {
			t.Errorf("Ext(%q) = %q, want %q", in, got, want)
		}
	}
}
