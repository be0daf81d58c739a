package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// JourneyKey identifies whose journey to assemble. VisitorID wins when both are set.
type JourneyKey struct {
	VisitorID string
	SessionID string
}

// JourneyAssembler reads touchpoint history across all sessions of a visitor.
type JourneyAssembler struct {
	sessions    storage.SessionStore
	touchpoints storage.TouchpointStore
}

// NewJourneyAssembler creates an assembler over the given stores.
func NewJourneyAssembler(sessions storage.SessionStore, touchpoints storage.TouchpointStore) *JourneyAssembler {
	return &JourneyAssembler{sessions: sessions, touchpoints: touchpoints}
}

// Assemble returns the touchpoints reachable from key stamped at or before
// asOf, ordered by timestamp and then insertion order. A session key is
// widened to the session's visitor. An unknown session yields
// models.ErrSessionNotFound; a visitor without touchpoints yields an empty journey.
func (a *JourneyAssembler) Assemble(ctx context.Context, key JourneyKey, asOf time.Time) (models.Journey, error) {
	visitorID := key.VisitorID
	if visitorID == "" {
		if key.SessionID == "" {
			return models.Journey{}, nil
		}
		sess, err := a.sessions.GetSession(ctx, key.SessionID)
		if err != nil {
			return models.Journey{}, err
		}
		if sess == nil {
			return models.Journey{}, fmt.Errorf("assemble journey for session %s: %w", key.SessionID, models.ErrSessionNotFound)
		}
		visitorID = sess.VisitorID
	}

	sessions, err := a.sessions.ListSessionsByVisitor(ctx, visitorID)
	if err != nil {
		return models.Journey{}, err
	}
	ids := make([]string, 0, len(sessions)+1)
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	if key.SessionID != "" && !contains(ids, key.SessionID) {
		ids = append(ids, key.SessionID)
	}

	tps, err := a.touchpoints.ListTouchpoints(ctx, ids, asOf)
	if err != nil {
		return models.Journey{}, err
	}
	return models.NewJourney(tps), nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
