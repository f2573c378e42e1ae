package main

import "testing"

func TestHealthURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		expected string
	}{
		{"default", "", "", "http://localhost:8080/healthz"},
		{"port from addr", "", ":9090", "http://localhost:9090/healthz"},
		{"host and port", "", "0.0.0.0:7000", "http://localhost:7000/healthz"},
		{"malformed addr", "", "bogus", "http://localhost:8080/healthz"},
		{"explicit url wins", "http://relay:8080/healthz", ":9090", "http://relay:8080/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.url)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := healthURL(); got != tt.expected {
				t.Errorf("healthURL() = %q, want %q", got, tt.expected)
			}
		})
	}
}
