package models

import (
	"testing"
	"time"
)

func TestCredentialExpiring(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"no expiry", time.Time{}, false},
		{"far future", now.Add(time.Hour), false},
		{"inside buffer", now.Add(4 * time.Minute), true},
		{"exactly at buffer", now.Add(5 * time.Minute), true},
		{"already expired", now.Add(-time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{ExpiresAt: tt.expires}
			if got := c.Expiring(now, 5*time.Minute); got != tt.want {
				t.Fatalf("Expiring() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoutineCloneIsDeep(t *testing.T) {
	r := &Routine{
		ID: "r1",
		Steps: []ToolStep{{
			Tool:      "echo",
			Arguments: map[string]any{"nested": map[string]any{"x": "y"}, "list": []any{"a"}},
		}},
	}
	clone := r.Clone()
	clone.Steps[0].Arguments["nested"].(map[string]any)["x"] = "changed"
	clone.Steps[0].Arguments["list"].([]any)[0] = "b"

	if r.Steps[0].Arguments["nested"].(map[string]any)["x"] != "y" {
		t.Fatal("nested map shared between clone and original")
	}
	if r.Steps[0].Arguments["list"].([]any)[0] != "a" {
		t.Fatal("nested list shared between clone and original")
	}
}

func TestProviderValid(t *testing.T) {
	if !ProviderGoogle.Valid() {
		t.Fatal("google should be valid")
	}
	if Provider("myspace").Valid() {
		t.Fatal("unknown provider should be invalid")
	}
}
