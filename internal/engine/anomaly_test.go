package engine

import (
	"testing"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
)

func TestDurationOutlierZScore(t *testing.T) {
	d := NewAnomalyDetector(testConfig())

	// z = (25 - 10) / 4 = 3.75, just past the default multiplier of 3.
	sig := d.CheckDuration(25, 10, 4)
	if sig == nil {
		t.Fatal("expected a duration anomaly at z=3.75")
	}
	if sig.Kind != "duration_outlier" {
		t.Fatalf("unexpected kind %q", sig.Kind)
	}
	if sig.Severity != domain.SeverityMedium {
		t.Fatalf("z in (3,5] should be medium, got %v", sig.Severity)
	}

	// z = (40 - 10) / 4 = 7.5, beyond multiplier+2.
	high := d.CheckDuration(40, 10, 4)
	if high == nil || high.Severity != domain.SeverityHigh {
		t.Fatalf("z=7.5 should be high, got %+v", high)
	}
}

func TestDurationWithinBaseline(t *testing.T) {
	d := NewAnomalyDetector(testConfig())
	if sig := d.CheckDuration(12, 10, 4); sig != nil {
		t.Fatalf("z=0.5 should not flag, got %+v", sig)
	}
	// Exactly at the multiplier boundary is not an anomaly.
	if sig := d.CheckDuration(22, 10, 4); sig != nil {
		t.Fatalf("z=3 should not flag, got %+v", sig)
	}
}

func TestDurationFallbackWithoutStd(t *testing.T) {
	d := NewAnomalyDetector(testConfig())
	if sig := d.CheckDuration(29, 10, 0); sig != nil {
		t.Fatalf("2.9x mean should not flag without std, got %+v", sig)
	}
	sig := d.CheckDuration(31, 10, 0)
	if sig == nil {
		t.Fatal("3.1x mean should flag without std")
	}
	if sig.Severity != domain.SeverityLow {
		t.Fatalf("fallback detection is low severity, got %v", sig.Severity)
	}
}

func TestDurationNoBaseline(t *testing.T) {
	d := NewAnomalyDetector(testConfig())
	if sig := d.CheckDuration(100, 0, 0); sig != nil {
		t.Fatalf("no baseline must not flag, got %+v", sig)
	}
}

func TestErrorBurstThresholds(t *testing.T) {
	d := NewAnomalyDetector(testConfig())

	if sig := d.CheckErrorBurst(4); sig != nil {
		t.Fatalf("below threshold must not flag, got %+v", sig)
	}
	sig := d.CheckErrorBurst(5)
	if sig == nil {
		t.Fatal("threshold count must flag")
	}
	if sig.Kind != "error_burst" || sig.Severity != domain.SeverityMedium {
		t.Fatalf("count=threshold should be medium error_burst, got %+v", sig)
	}
	if sig.ErrorCount != 5 {
		t.Fatalf("signal must carry the raw count, got %d", sig.ErrorCount)
	}

	if sig := d.CheckErrorBurst(10); sig == nil || sig.Severity != domain.SeverityMedium {
		t.Fatalf("count=2*threshold stays medium, got %+v", sig)
	}
	if sig := d.CheckErrorBurst(11); sig == nil || sig.Severity != domain.SeverityHigh {
		t.Fatalf("count beyond 2*threshold is high, got %+v", sig)
	}
}
