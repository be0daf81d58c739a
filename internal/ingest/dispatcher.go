package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/conversion"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/tracking"
)

// ActivityRecorder is the tracker surface used by the dispatcher.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, sessionID, visitorID string, tc models.TrackingContext, ts time.Time) (*models.Session, bool, error)
	RecordTouchpoint(ctx context.Context, in tracking.TouchpointInput) (tracking.TouchpointResult, error)
	RecordEvent(ctx context.Context, ev *models.Event) error
}

// OrderRecorder is the conversion recorder surface used by ingress.
type OrderRecorder interface {
	Record(ctx context.Context, in conversion.OrderInput, supplied *models.Journey) (conversion.RecordResult, error)
	Amend(ctx context.Context, in conversion.OrderInput) (*models.Conversion, error)
}

// Result statuses.
const (
	StatusOK           = "ok"
	StatusOrphaned     = "orphaned"
	StatusDuplicate    = "duplicate"
	StatusUnattributed = "unattributed"
	StatusRejected     = "rejected"
)

// Result reports what happened to one envelope.
type Result struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	SessionID    string `json:"session_id,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
	ConversionID string `json:"conversion_id,omitempty"`
	Warning      string `json:"warning,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Dispatcher routes envelopes to the tracker and the recorder.
type Dispatcher struct {
	tracker  ActivityRecorder
	recorder OrderRecorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(tracker ActivityRecorder, recorder OrderRecorder, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{tracker: tracker, recorder: recorder, logger: logger, metrics: m}
}

// Dispatch processes one envelope. Malformed payloads return an error
// wrapping models.ErrMalformedPayload; soft failures are reported in the
// result and do not return an error.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (Result, error) {
	start := time.Now()
	res, err := d.dispatch(ctx, env)
	status := res.Status
	if err != nil {
		status = "error"
		if errors.Is(err, models.ErrMalformedPayload) {
			status = StatusRejected
		}
	}
	d.metrics.RecordIngest(env.Type, status, time.Since(start))
	return res, err
}

// DispatchBatch processes envelopes in order. Malformed envelopes are
// reported as rejected and skipped. Any other error stops the batch and is
// returned together with the results gathered so far.
func (d *Dispatcher) DispatchBatch(ctx context.Context, envs []Envelope) ([]Result, error) {
	results := make([]Result, 0, len(envs))
	for i, env := range envs {
		res, err := d.Dispatch(ctx, env)
		if err != nil {
			if !errors.Is(err, models.ErrMalformedPayload) {
				return results, fmt.Errorf("envelope %d: %w", i, err)
			}
			res = Result{Type: env.Type, Status: StatusRejected, Error: err.Error()}
			d.logger.Warn("Rejected malformed envelope", zap.Int("index", i), zap.String("type", env.Type), zap.Error(err))
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) (Result, error) {
	switch env.Type {
	case TypeSessionStart:
		var data ActivityData
		if err := decode(env, &data); err != nil {
			return Result{}, err
		}
		return d.sessionStart(ctx, data)
	case TypePageView, TypeInteraction:
		var data ActivityData
		if err := decode(env, &data); err != nil {
			return Result{}, err
		}
		return d.activity(ctx, env.Type, data)
	case TypeConversion:
		var data ConversionData
		if err := decode(env, &data); err != nil {
			return Result{}, err
		}
		return d.conversion(ctx, data)
	case "":
		return Result{}, fmt.Errorf("envelope type is required: %w", models.ErrMalformedPayload)
	default:
		return Result{}, fmt.Errorf("unknown envelope type %q: %w", env.Type, models.ErrMalformedPayload)
	}
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: data is required: %w", env.Type, models.ErrMalformedPayload)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w: %w", env.Type, models.ErrMalformedPayload, err)
	}
	return nil
}

func (d *Dispatcher) sessionStart(ctx context.Context, data ActivityData) (Result, error) {
	if data.SessionID == "" || data.VisitorID == "" {
		return Result{}, fmt.Errorf("session_start: sessionId and visitorId are required: %w", models.ErrMalformedPayload)
	}
	tc := data.Context()
	if tc.LandingPage == "" {
		tc.LandingPage = tc.PageURL
	}

	tp, err := d.tracker.RecordTouchpoint(ctx, tracking.TouchpointInput{
		SessionID:    data.SessionID,
		VisitorID:    data.VisitorID,
		Context:      tc,
		Timestamp:    data.Timestamp,
		SessionStart: true,
	})
	if err != nil {
		return Result{}, err
	}

	if err := d.tracker.RecordEvent(ctx, &models.Event{
		SessionID:  data.SessionID,
		VisitorID:  data.VisitorID,
		EventName:  models.EventSessionStart,
		PageURL:    tc.LandingPage,
		Properties: data.Properties,
		Timestamp:  data.Timestamp,
	}); err != nil {
		return Result{}, err
	}
	return d.touchResult(TypeSessionStart, data.SessionID, tp), nil
}

func (d *Dispatcher) activity(ctx context.Context, typ string, data ActivityData) (Result, error) {
	if data.SessionID == "" {
		return Result{}, fmt.Errorf("%s: sessionId is required: %w", typ, models.ErrMalformedPayload)
	}
	tc := data.Context()
	res := Result{Type: typ, Status: StatusOK, SessionID: data.SessionID}

	if _, _, err := d.tracker.RecordActivity(ctx, data.SessionID, data.VisitorID, tc, data.Timestamp); err != nil {
		return Result{}, err
	}
	if tc.IsMarketingTouch() {
		tp, err := d.tracker.RecordTouchpoint(ctx, tracking.TouchpointInput{
			SessionID: data.SessionID,
			VisitorID: data.VisitorID,
			Context:   tc,
			Timestamp: data.Timestamp,
		})
		if err != nil {
			return Result{}, err
		}
		res = d.touchResult(typ, data.SessionID, tp)
	}

	name := models.EventPageView
	if typ == TypeInteraction {
		name = data.EventName
		if name == "" {
			name = models.EventInteraction
		}
	}
	if err := d.tracker.RecordEvent(ctx, &models.Event{
		SessionID:  data.SessionID,
		VisitorID:  data.VisitorID,
		EventName:  name,
		PageURL:    data.PageURL,
		Properties: data.Properties,
		Timestamp:  data.Timestamp,
	}); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (d *Dispatcher) touchResult(typ, sessionID string, tp tracking.TouchpointResult) Result {
	res := Result{Type: typ, Status: StatusOK, SessionID: sessionID}
	switch {
	case tp.Orphaned:
		res.Status = StatusOrphaned
	case tp.Duplicate:
		res.Status = StatusDuplicate
	}
	if tp.Warning != nil {
		res.Warning = tp.Warning.Error()
	}
	return res
}

func (d *Dispatcher) conversion(ctx context.Context, data ConversionData) (Result, error) {
	if data.OrderID == "" {
		return Result{}, fmt.Errorf("conversion: orderId is required: %w", models.ErrMalformedPayload)
	}
	if data.TotalValue == nil {
		return Result{}, fmt.Errorf("conversion %s: totalValue is required: %w", data.OrderID, models.ErrMalformedPayload)
	}

	rec, err := d.recorder.Record(ctx, data.Order(), data.Journey())
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Type:         TypeConversion,
		Status:       StatusOK,
		SessionID:    data.SessionID,
		OrderID:      data.OrderID,
		ConversionID: rec.Conversion.ConversionID,
	}
	switch {
	case rec.Duplicate:
		res.Status = StatusDuplicate
	case rec.Warning != nil:
		res.Status = StatusUnattributed
		res.Warning = rec.Warning.Error()
	}
	return res, nil
}
