package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provided, configured string
		want                 bool
	}{
		{"provided", "provided", true},
		{"provided", "other", false},
		{"short", "much-longer-key", false},
		{"", "configured", false},
		{"provided", "", false},
	}
	for _, tt := range tests {
		if got := ValidateAPIKey(tt.provided, tt.configured); got != tt.want {
			t.Errorf("ValidateAPIKey(%q, %q) = %v, want %v", tt.provided, tt.configured, got, tt.want)
		}
	}
}

func TestExtractAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer", header: "Bearer test-key", want: "test-key"},
		{name: "padded", header: "Bearer   test-key ", want: "test-key"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty bearer", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			key, err := ExtractAPIKey(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if key != tt.want {
				t.Fatalf("ExtractAPIKey() = %q, want %q", key, tt.want)
			}
		})
	}
}
