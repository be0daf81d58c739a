package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// MemoryStore is an in-memory Store. Every mutation happens under one lock,
// which makes upserts and increments atomic. Values are copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	sessions    map[string]*models.Session
	touchpoints map[string][]models.Touchpoint // by session id
	tpIDs       map[string]int64               // touchpoint id -> seq
	seq         int64
	events      []models.Event
	eventIDs    map[string]struct{}
	conversions map[string]*models.Conversion // by order id
	campaigns   map[models.CampaignKey]*models.Campaign
	daily       map[string]*models.DailyMetric
	funnel      map[funnelKey]models.FunnelStep

	now func() time.Time
}

type funnelKey struct {
	funnel string
	order  int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*models.Session),
		touchpoints: make(map[string][]models.Touchpoint),
		tpIDs:       make(map[string]int64),
		eventIDs:    make(map[string]struct{}),
		conversions: make(map[string]*models.Conversion),
		campaigns:   make(map[models.CampaignKey]*models.Campaign),
		daily:       make(map[string]*models.DailyMetric),
		funnel:      make(map[funnelKey]models.FunnelStep),
		now:         time.Now,
	}
}

// =============================================
// SESSIONS
// =============================================

func (m *MemoryStore) UpsertSession(_ context.Context, s *models.Session) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[s.SessionID]; ok {
		cur.Absorb(s)
		cp := *cur
		return &cp, false, nil
	}
	stored := *s
	m.sessions[s.SessionID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) ListSessionsByVisitor(_ context.Context, visitorID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []*models.Session
	for _, s := range m.sessions {
		if s.VisitorID == visitorID {
			cp := *s
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) ListRecentSessions(_ context.Context, limit int) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) CountSessionsSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, s := range m.sessions {
		if !s.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountActiveVisitors(_ context.Context, at time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	visitors := make(map[string]struct{})
	for _, s := range m.sessions {
		if s.IsLive(at) {
			visitors[s.VisitorID] = struct{}{}
		}
	}
	return int64(len(visitors)), nil
}

// =============================================
// TOUCHPOINTS
// =============================================

func (m *MemoryStore) AppendTouchpoint(_ context.Context, tp *models.Touchpoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, dup := m.tpIDs[tp.TouchpointID]; dup {
		tp.Seq = seq
		return false, nil
	}
	m.seq++
	tp.Seq = m.seq
	m.tpIDs[tp.TouchpointID] = tp.Seq
	m.touchpoints[tp.SessionID] = append(m.touchpoints[tp.SessionID], *tp)
	return true, nil
}

func (m *MemoryStore) ListTouchpoints(_ context.Context, sessionIDs []string, until time.Time) ([]models.Touchpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []models.Touchpoint
	for _, id := range sessionIDs {
		for _, tp := range m.touchpoints[id] {
			if !tp.Timestamp.After(until) {
				res = append(res, tp)
			}
		}
	}
	return res, nil
}

// DeleteSession removes a session and its touchpoints. Conversions keep
// their own attribution snapshot.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tp := range m.touchpoints[id] {
		delete(m.tpIDs, tp.TouchpointID)
	}
	delete(m.touchpoints, id)
	delete(m.sessions, id)
	return nil
}

// =============================================
// EVENTS
// =============================================

func (m *MemoryStore) AppendEvents(_ context.Context, events []*models.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range events {
		if _, dup := m.eventIDs[e.EventID]; dup {
			continue
		}
		m.eventIDs[e.EventID] = struct{}{}
		m.events = append(m.events, *e)
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountDistinctSessions(_ context.Context, pattern string, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range m.events {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		if models.MatchEventPattern(pattern, e.EventName) {
			seen[e.SessionID] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (m *MemoryStore) TopPages(_ context.Context, since time.Time, limit int) ([]models.PageCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int64)
	for _, e := range m.events {
		if e.EventName == models.EventPageView && e.PageURL != "" && !e.Timestamp.Before(since) {
			counts[e.PageURL]++
		}
	}
	return topN(counts, limit), nil
}

func topN(counts map[string]int64, limit int) []models.PageCount {
	res := make([]models.PageCount, 0, len(counts))
	for url, n := range counts {
		res = append(res, models.PageCount{PageURL: url, Views: n})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Views != res[j].Views {
			return res[i].Views > res[j].Views
		}
		return res[i].PageURL < res[j].PageURL
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// =============================================
// CONVERSIONS
// =============================================

func (m *MemoryStore) CreateOrAmendConversion(_ context.Context, c *models.Conversion) (*models.Conversion, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.conversions[c.OrderID]; ok {
		cur.Amend(c)
		return copyConversion(cur), false, nil
	}
	stored := copyConversion(c)
	m.conversions[c.OrderID] = stored
	return copyConversion(stored), true, nil
}

func (m *MemoryStore) GetConversionByOrder(_ context.Context, orderID string) (*models.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conversions[orderID]; ok {
		return copyConversion(c), nil
	}
	return nil, nil
}

func (m *MemoryStore) ConversionsSince(_ context.Context, since time.Time) (int64, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	var revenue float64
	for _, c := range m.conversions {
		if !c.ConvertedAt.Before(since) {
			n++
			revenue += c.TotalValue
		}
	}
	return n, revenue, nil
}

func (m *MemoryStore) ConvertedSessions(_ context.Context, sessionIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		want[id] = struct{}{}
	}
	res := make(map[string]bool)
	for _, c := range m.conversions {
		if _, ok := want[c.SessionID]; ok && c.SessionID != "" {
			res[c.SessionID] = true
		}
	}
	return res, nil
}

func copyConversion(c *models.Conversion) *models.Conversion {
	cp := *c
	cp.LineItems = append([]models.LineItem(nil), c.LineItems...)
	cp.Journey = append([]byte(nil), c.Journey...)
	if c.FirstClick != nil {
		fc := *c.FirstClick
		cp.FirstClick = &fc
	}
	if c.LastClick != nil {
		lc := *c.LastClick
		cp.LastClick = &lc
	}
	return &cp
}

// =============================================
// ROLLUPS
// =============================================

func (m *MemoryStore) IncrementCampaign(_ context.Context, key models.CampaignKey, delta models.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[key]
	if !ok {
		c = &models.Campaign{CampaignKey: key}
		m.campaigns[key] = c
	}
	c.Add(delta)
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) IncrementDailyMetric(_ context.Context, date string, delta models.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.daily[date]
	if !ok {
		d = &models.DailyMetric{Date: date}
		m.daily[date] = d
	}
	d.Add(delta)
	d.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListCampaigns(_ context.Context) ([]*models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*models.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		cp := *c
		res = append(res, &cp)
	}
	sortCampaigns(res)
	return res, nil
}

func (m *MemoryStore) GetDailyMetrics(_ context.Context, from, to string) ([]*models.DailyMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []*models.DailyMetric
	for date, d := range m.daily {
		// YYYY-MM-DD compares lexically
		if date >= from && date <= to {
			cp := *d
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date < res[j].Date })
	return res, nil
}

func sortCampaigns(cs []*models.Campaign) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Revenue != cs[j].Revenue {
			return cs[i].Revenue > cs[j].Revenue
		}
		a, b := cs[i].CampaignKey, cs[j].CampaignKey
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Medium != b.Medium {
			return a.Medium < b.Medium
		}
		return a.Campaign < b.Campaign
	})
}

// =============================================
// FUNNEL STEPS
// =============================================

func (m *MemoryStore) UpsertFunnelSteps(_ context.Context, steps []models.FunnelStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range steps {
		m.funnel[funnelKey{funnel: s.Funnel, order: s.StepOrder}] = s
	}
	return nil
}

func (m *MemoryStore) ListFunnelSteps(_ context.Context) ([]models.FunnelStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]models.FunnelStep, 0, len(m.funnel))
	for _, s := range m.funnel {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Funnel != res[j].Funnel {
			return res[i].Funnel < res[j].Funnel
		}
		return res[i].StepOrder < res[j].StepOrder
	})
	return res, nil
}

var _ Store = (*MemoryStore)(nil)
