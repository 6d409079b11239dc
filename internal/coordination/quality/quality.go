// Package quality implements C7 QualityLedger: recording quality snapshots
// against a task/agent, maintaining a singleton baseline, and detecting
// regressions between a candidate snapshot and that baseline.
package quality

import (
	"context"
	"log/slog"

	"github.com/basket/coordplane/internal/bus"
	"github.com/basket/coordplane/internal/store"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Regression struct {
	Metric   string
	Baseline float64
	Current  float64
	Delta    float64
	Severity Severity
}

type Config struct {
	CoverageDropWarningPoints float64
}

type Ledger struct {
	store  *store.Store
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger
}

func New(s *store.Store, b *bus.Bus, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.CoverageDropWarningPoints <= 0 {
		cfg.CoverageDropWarningPoints = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, bus: b, cfg: cfg, logger: logger}
}

func (l *Ledger) RecordSnapshot(ctx context.Context, in store.QualitySnapshotInput) (*store.QualitySnapshot, error) {
	return l.store.RecordQualitySnapshot(ctx, in)
}

func (l *Ledger) SetBaseline(ctx context.Context, from *store.QualitySnapshot, setBy string) (*store.QualityBaseline, error) {
	return l.store.SetQualityBaseline(ctx, from, setBy)
}

func (l *Ledger) GetBaseline(ctx context.Context) (*store.QualityBaseline, error) {
	return l.store.GetQualityBaseline(ctx)
}

// DetectRegressions compares snapshot against the current baseline per
// spec.md §4.7's default thresholds: a build that went success->fail, or
// any increase in type_errors/lint_errors/tests_failing, is an error; a
// test_coverage drop past CoverageDropWarningPoints is a warning. Returns
// nil (not an error) if no baseline has been set yet — there is nothing to
// regress against.
func (l *Ledger) DetectRegressions(ctx context.Context, taskID string, snapshot *store.QualitySnapshot) ([]Regression, error) {
	baseline, err := l.store.GetQualityBaseline(ctx)
	if err != nil {
		return nil, nil
	}
	var out []Regression

	if baseline.BuildSuccess != nil && *baseline.BuildSuccess && snapshot.BuildSuccess != nil && !*snapshot.BuildSuccess {
		out = append(out, Regression{Metric: "build", Baseline: 1, Current: 0, Delta: -1, Severity: SeverityError})
	}
	if snapshot.TypeErrors > baseline.TypeErrors {
		out = append(out, Regression{
			Metric: "type_errors", Baseline: float64(baseline.TypeErrors), Current: float64(snapshot.TypeErrors),
			Delta: float64(snapshot.TypeErrors - baseline.TypeErrors), Severity: SeverityError,
		})
	}
	if snapshot.LintErrors > baseline.LintErrors {
		out = append(out, Regression{
			Metric: "lint_errors", Baseline: float64(baseline.LintErrors), Current: float64(snapshot.LintErrors),
			Delta: float64(snapshot.LintErrors - baseline.LintErrors), Severity: SeverityError,
		})
	}
	if snapshot.TestsFailing > baseline.TestsFailing {
		out = append(out, Regression{
			Metric: "tests_failing", Baseline: float64(baseline.TestsFailing), Current: float64(snapshot.TestsFailing),
			Delta: float64(snapshot.TestsFailing - baseline.TestsFailing), Severity: SeverityError,
		})
	}
	if baseline.TestCoverage != nil && snapshot.TestCoverage != nil {
		drop := *baseline.TestCoverage - *snapshot.TestCoverage
		if drop > l.cfg.CoverageDropWarningPoints {
			out = append(out, Regression{
				Metric: "test_coverage", Baseline: *baseline.TestCoverage, Current: *snapshot.TestCoverage,
				Delta: -drop, Severity: SeverityWarning,
			})
		}
	}

	for _, r := range out {
		l.publish(bus.TopicQualityRegression, bus.QualityRegressionEvent{TaskID: taskID, Metric: r.Metric, Before: r.Baseline, After: r.Current})
	}
	return out, nil
}

func (l *Ledger) publish(topic string, payload any) {
	if l.bus != nil {
		l.bus.Publish(topic, payload)
	}
}
