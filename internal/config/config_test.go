package config

import (
	"testing"

	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	cfg := Load(testLogger(t))
	if cfg.TotalRetryCeiling != 10 {
		t.Errorf("TotalRetryCeiling = %d, want 10", cfg.TotalRetryCeiling)
	}
	if cfg.DegradedThreshold != 5 {
		t.Errorf("DegradedThreshold = %d, want 5", cfg.DegradedThreshold)
	}
	if cfg.BackoffBaseSeconds != 2 || cfg.BackoffCapSeconds != 30 {
		t.Errorf("backoff defaults = %d/%d, want 2/30", cfg.BackoffBaseSeconds, cfg.BackoffCapSeconds)
	}
	if cfg.RenderQualityPrimary != "high" || cfg.RenderQualityFallback != "low" {
		t.Errorf("render quality defaults = %q/%q", cfg.RenderQualityPrimary, cfg.RenderQualityFallback)
	}
	if cfg.GCSBucket != "" || cfg.RedisAddr != "" {
		t.Errorf("optional adapter gates should default empty: gcs=%q redis=%q", cfg.GCSBucket, cfg.RedisAddr)
	}
}

func TestLoad_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("TOTAL_RETRY_CEILING", "99")
	t.Setenv("PIPELINE_GCS_BUCKET", "my-bucket")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load(testLogger(t))
	if cfg.TotalRetryCeiling != 99 {
		t.Errorf("TotalRetryCeiling = %d, want 99", cfg.TotalRetryCeiling)
	}
	if cfg.GCSBucket != "my-bucket" {
		t.Errorf("GCSBucket = %q, want my-bucket", cfg.GCSBucket)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q, want localhost:6379", cfg.RedisAddr)
	}
}
