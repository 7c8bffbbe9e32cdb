package logger

import (
	"context"
	"testing"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"john.doe@example.com": "joh***@example.com",
		"al@example.com":       "al***@example.com",
		"@example.com":         "***@example.com",
		"not-an-email":         "***",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskIP(t *testing.T) {
	cases := map[string]string{
		"192.168.1.100": "192.168.*.*",
		"2001:0db8:85a3:0000:0000:8a2e:0370:7334": "2001:0db8:85a3:0000:*:*:*:*",
		"localhost": "***",
	}
	for in, want := range cases {
		if got := MaskIP(in); got != want {
			t.Fatalf("MaskIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskSubject(t *testing.T) {
	if got := MaskSubject("248289761001"); got != "24***01" {
		t.Fatalf("unexpected mask: %s", got)
	}
	if got := MaskSubject("abcd"); got != "***" {
		t.Fatalf("short subjects must be fully masked, got %s", got)
	}
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	if _, err := build("development", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := build("production", "warn"); err != nil {
		t.Fatalf("build returned error: %v", err)
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey{}, "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("unexpected request id: %s", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %s", got)
	}
	if WithContext(ctx) == nil {
		t.Fatal("WithContext must never return nil")
	}
}
