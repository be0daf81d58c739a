// Package funnel computes exposure-based conversion funnels over raw events.
package funnel

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// StepDef names a funnel step and the events that satisfy it. EventPattern
// is an exact event name or a glob using * and ?.
type StepDef struct {
	Name         string `json:"name"`
	EventPattern string `json:"event_pattern"`
}

// Window bounds the events considered, both ends inclusive.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// StepResult is one row of the funnel output.
type StepResult struct {
	Step           string  `json:"step"`
	Visitors       int64   `json:"visitors"`
	ConversionRate float64 `json:"conversionRate"`
	DropOff        int64   `json:"dropOff"`
}

// Report is a computed funnel.
type Report struct {
	Name        string       `json:"name"`
	Window      Window       `json:"window"`
	Steps       []StepResult `json:"steps"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// StepsFromConfig converts a configured funnel definition.
func StepsFromConfig(def config.FunnelDef) []StepDef {
	steps := make([]StepDef, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = StepDef{Name: s.Name, EventPattern: s.EventPattern}
	}
	return steps
}

// Aggregator counts distinct sessions per step and refreshes the persisted
// funnel step rows.
type Aggregator struct {
	events  storage.EventStore
	steps   storage.FunnelStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAggregator creates an aggregator. steps may be nil to skip persistence.
func NewAggregator(events storage.EventStore, steps storage.FunnelStore, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{events: events, steps: steps, logger: logger, metrics: m, now: time.Now}
}

// Compute evaluates the funnel. Each step counts sessions with at least one
// matching event in the window independently of the other steps.
func (a *Aggregator) Compute(ctx context.Context, name string, steps []StepDef, w Window) (*Report, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("funnel %q has no steps: %w", name, models.ErrMalformedPayload)
	}
	if w.To.Before(w.From) {
		return nil, fmt.Errorf("funnel window ends before it starts: %w", models.ErrMalformedPayload)
	}

	start := time.Now()
	visitors := make([]int64, len(steps))
	names := make([]string, len(steps))
	for i, s := range steps {
		if s.EventPattern == "" {
			return nil, fmt.Errorf("funnel step %q has no event pattern: %w", s.Name, models.ErrMalformedPayload)
		}
		n, err := a.events.CountDistinctSessions(ctx, s.EventPattern, w.From, w.To)
		if err != nil {
			return nil, fmt.Errorf("count step %q: %w", s.Name, err)
		}
		visitors[i] = n
		names[i] = s.Name
	}
	a.metrics.RecordFunnel(name, time.Since(start))

	report := &Report{
		Name:        name,
		Window:      w,
		Steps:       BuildReport(names, visitors),
		GeneratedAt: a.now().UTC(),
	}
	a.persist(ctx, name, steps, report)
	return report, nil
}

// BuildReport derives rates and drop-offs from per-step visitor counts.
// Rates are relative to the first step, which is always 100. Later steps are 0
// when the first step has no visitors.
func BuildReport(names []string, visitors []int64) []StepResult {
	out := make([]StepResult, len(visitors))
	for i, v := range visitors {
		r := StepResult{Step: names[i], Visitors: v}
		switch {
		case i == 0:
			r.ConversionRate = 100
		case visitors[0] > 0:
			r.ConversionRate = math.Round(float64(v)*10000/float64(visitors[0])) / 100
		}
		if i > 0 {
			r.DropOff = visitors[i-1] - v
		}
		out[i] = r
	}
	return out
}

func (a *Aggregator) persist(ctx context.Context, name string, defs []StepDef, report *Report) {
	if a.steps == nil {
		return
	}
	rows := make([]models.FunnelStep, len(report.Steps))
	for i, s := range report.Steps {
		row := models.FunnelStep{
			Funnel:            name,
			Name:              s.Step,
			StepOrder:         i,
			EventPattern:      defs[i].EventPattern,
			CompletedSessions: s.Visitors,
			TotalSessions:     s.Visitors,
			UpdatedAt:         report.GeneratedAt,
		}
		if i > 0 {
			prev := report.Steps[i-1].Visitors
			row.TotalSessions = prev
			if prev > 0 {
				row.DropOffRate = math.Round(float64(s.DropOff)*10000/float64(prev)) / 100
			}
		}
		rows[i] = row
	}
	if err := a.steps.UpsertFunnelSteps(ctx, rows); err != nil {
		a.logger.Warn("Failed to persist funnel steps", zap.String("funnel", name), zap.Error(err))
	}
}
