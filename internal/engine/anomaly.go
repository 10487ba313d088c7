package engine

import (
	"fmt"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
)

// AnomalySignal carries the raw numbers that triggered a detection. The
// detector never decides remediation; that is the action selector's job.
type AnomalySignal struct {
	Kind       string                 `json:"kind"` // duration_outlier or error_burst
	Severity   domain.InsightSeverity `json:"severity"`
	Reason     string                 `json:"reason"`
	ZScore     float64                `json:"z_score,omitempty"`
	Current    float64                `json:"current,omitempty"`
	Mean       float64                `json:"mean,omitempty"`
	Std        float64                `json:"std,omitempty"`
	ErrorCount int                    `json:"error_count,omitempty"`
}

type AnomalyDetector struct {
	timeMultiplier float64
	errorThreshold int
}

func NewAnomalyDetector(cfg app.Config) *AnomalyDetector {
	d := &AnomalyDetector{
		timeMultiplier: cfg.AnomalyTimeMultiplier,
		errorThreshold: cfg.AnomalyErrorThreshold,
	}
	if d.timeMultiplier <= 0 {
		d.timeMultiplier = 3
	}
	if d.errorThreshold <= 0 {
		d.errorThreshold = 5
	}
	return d
}

// CheckDuration compares a stage duration against its historical baseline.
// Returns nil when the duration is unremarkable or no baseline exists.
func (d *AnomalyDetector) CheckDuration(current, mean, std float64) *AnomalySignal {
	if mean <= 0 {
		return nil
	}
	if std > 0 {
		z := (current - mean) / std
		if z <= d.timeMultiplier {
			return nil
		}
		severity := domain.SeverityMedium
		if z > d.timeMultiplier+2 {
			severity = domain.SeverityHigh
		}
		return &AnomalySignal{
			Kind:     "duration_outlier",
			Severity: severity,
			Reason:   fmt.Sprintf("duration %.2fs is %.1f standard deviations above the %.2fs baseline", current, z, mean),
			ZScore:   z,
			Current:  current,
			Mean:     mean,
			Std:      std,
		}
	}
	// No spread in the baseline; fall back to a straight multiple.
	if current <= mean*d.timeMultiplier {
		return nil
	}
	return &AnomalySignal{
		Kind:     "duration_outlier",
		Severity: domain.SeverityLow,
		Reason:   fmt.Sprintf("duration %.2fs exceeds %.1fx the %.2fs baseline", current, d.timeMultiplier, mean),
		Current:  current,
		Mean:     mean,
	}
}

// CheckErrorBurst tests the error count accumulated in an execution's log
// stream. Returns nil below the threshold.
func (d *AnomalyDetector) CheckErrorBurst(count int) *AnomalySignal {
	if count < d.errorThreshold {
		return nil
	}
	severity := domain.SeverityMedium
	if count > 2*d.errorThreshold {
		severity = domain.SeverityHigh
	}
	return &AnomalySignal{
		Kind:       "error_burst",
		Severity:   severity,
		Reason:     fmt.Sprintf("%d errors logged during execution (threshold %d)", count, d.errorThreshold),
		ErrorCount: count,
	}
}
