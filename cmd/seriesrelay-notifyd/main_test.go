package main

import (
	"os"
	"testing"
)

func TestEnvOrPrefersEnvironment(t *testing.T) {
	t.Setenv("SERIESRELAY_NOTIFYD_TEST", "set")
	if got := envOr("SERIESRELAY_NOTIFYD_TEST", "fallback"); got != "set" {
		t.Fatalf("expected env value, got %q", got)
	}
}

func TestEnvOrUsesFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("SERIESRELAY_NOTIFYD_TEST_UNSET")
	if got := envOr("SERIESRELAY_NOTIFYD_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
