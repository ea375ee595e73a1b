package config

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestDefaults(t *testing.T) {
	var s Settings
	if err := envconfig.Process("LABGATE_TEST_UNSET", &s); err != nil {
		t.Fatalf("process defaults: %v", err)
	}

	if s.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", s.ListenAddr)
	}
	if s.FreeHours != 2 || s.PremiumHours != 10 || s.PeriodDays != 30 {
		t.Errorf("quota defaults = %d/%d/%d, want 2/10/30", s.FreeHours, s.PremiumHours, s.PeriodDays)
	}
	if s.PremiumRole != "premium" || s.PremiumOverride {
		t.Errorf("premium defaults = %q/%v, want premium/false", s.PremiumRole, s.PremiumOverride)
	}
	if s.TicketTTL != 60*time.Second {
		t.Errorf("TicketTTL = %v, want 60s", s.TicketTTL)
	}
	if s.SSHPort != 2222 || s.GuacdPort != 4822 {
		t.Errorf("ports = %d/%d, want 2222/4822", s.SSHPort, s.GuacdPort)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LABGATE_LISTEN_ADDR", ":9999")
	t.Setenv("LABGATE_USAGE_FREE_HOURS", "5")
	t.Setenv("LABGATE_TICKET_TTL", "90s")
	t.Setenv("LABGATE_AUTH_DISABLED", "true")

	var s Settings
	if err := envconfig.Process("LABGATE", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", s.ListenAddr)
	}
	if s.FreeHours != 5 {
		t.Errorf("FreeHours = %d, want 5", s.FreeHours)
	}
	if s.TicketTTL != 90*time.Second {
		t.Errorf("TicketTTL = %v, want 90s", s.TicketTTL)
	}
	if !s.AuthDisabled {
		t.Error("AuthDisabled not applied")
	}
}
