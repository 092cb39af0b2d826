package httpheaders

import (
	"net/http"
	"testing"
)

func TestBuildCanonicalizesAndSkipsEmptyNames(t *testing.T) {
	got := Build(map[string]string{
		"x-client": "desktop",
		"  ":       "ignored",
	})

	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1 (got=%#v)", len(got), got)
	}
	if got.Get("X-Client") != "desktop" {
		t.Fatalf(`Get("X-Client") = %q, want %q`, got.Get("X-Client"), "desktop")
	}
}

func TestBuildIgnoresReservedHeaders(t *testing.T) {
	got := Build(map[string]string{
		"authorization": "Bearer from-config",
		"X-Agent-Id":    "spoofed",
		"X-Region":      "eu",
	})

	if got.Get("Authorization") != "" {
		t.Fatalf("Authorization = %q, want reserved header dropped", got.Get("Authorization"))
	}
	if got.Get("X-Agent-ID") != "" {
		t.Fatalf("X-Agent-ID = %q, want reserved header dropped", got.Get("X-Agent-ID"))
	}
	if got.Get("X-Region") != "eu" {
		t.Fatalf("X-Region = %q, want eu", got.Get("X-Region"))
	}
}

func TestBuildNilMap(t *testing.T) {
	if got := Build(nil); len(got) != 0 {
		t.Fatalf("Build(nil) = %#v, want empty", got)
	}
}

func TestRedactMasksCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("X-Refresh-Token", "secret")
	h.Set("X-Region", "eu")

	got := Redact(h)
	if got.Get("Authorization") != "[redacted]" || got.Get("X-Refresh-Token") != "[redacted]" {
		t.Fatalf("Redact() = %#v, want credentials masked", got)
	}
	if got.Get("X-Region") != "eu" {
		t.Fatalf("Redact() X-Region = %q, want eu", got.Get("X-Region"))
	}
	if h.Get("Authorization") != "Bearer secret" {
		t.Fatal("Redact() mutated its input")
	}
}
