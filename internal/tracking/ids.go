package tracking

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// idNamespace scopes the name-based ids derived for redelivered payloads.
var idNamespace = uuid.MustParse("8d3f6c1e-52a7-4b0e-9f14-3c6e2b7a9d05")

// TouchpointID derives a stable id from everything that identifies one
// delivery, so a redelivered payload maps onto the stored touchpoint.
func TouchpointID(in TouchpointInput) string {
	kind := "touch"
	if in.SessionStart {
		kind = "start"
	}
	u, c := in.Context.UTM, in.Context.ClickIDs
	return nameID(kind, in.SessionID, in.Timestamp.UTC().Format(time.RFC3339Nano),
		in.Context.PageURL, in.Context.Referrer,
		u.Source, u.Medium, u.Campaign, u.Term, u.Content,
		c.GCLID, c.FBCLID, c.MSCLKID, c.TTCLID,
	)
}

// EventID derives a stable id for a raw event the same way.
func EventID(ev *models.Event) string {
	props := ""
	if len(ev.Properties) > 0 {
		// map keys are marshalled in sorted order
		if b, err := json.Marshal(ev.Properties); err == nil {
			props = string(b)
		}
	}
	return nameID("event", ev.SessionID, ev.EventName, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.PageURL, props)
}

func nameID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}
