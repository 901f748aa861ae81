package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port: got %s, want 8080", cfg.Port)
	}
	if cfg.LivenessWindow != time.Hour {
		t.Errorf("liveness window: got %s, want 1h", cfg.LivenessWindow)
	}
	if cfg.AllowOffWindowIntake {
		t.Error("off-window intake must default off")
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("retry attempts: got %d, want 3", cfg.RetryMaxAttempts)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOW_OFF_WINDOW_INTAKE", "true")
	t.Setenv("ORACLE_STALE_TOLERANCE", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port: got %s, want 9090", cfg.Port)
	}
	if !cfg.AllowOffWindowIntake {
		t.Error("off-window intake override not applied")
	}
	if cfg.OracleStaleTolerance != time.Minute {
		t.Errorf("stale tolerance: got %s, want 1m", cfg.OracleStaleTolerance)
	}
}

func TestLoad_RejectsZeroLiveness(t *testing.T) {
	t.Setenv("LIVENESS_WINDOW", "0s")
	if _, err := Load(); err == nil {
		t.Fatal("zero liveness window must be rejected")
	}
}
