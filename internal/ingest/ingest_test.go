package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/conversion"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/rollup"
	"github.com/radiusdt/vector-attribution/internal/storage"
	"github.com/radiusdt/vector-attribution/internal/tracking"
)

type fixture struct {
	store      *storage.MemoryStore
	agg        *rollup.Aggregator
	recorder   *conversion.Recorder
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	agg := rollup.NewAggregator(store, time.UTC)
	tr := tracking.NewTracker(store, store, store, agg, nil, 30*time.Minute, nil, nil)
	rec := conversion.NewRecorder(store, store, store, tracking.NewJourneyAssembler(store, store), agg, 0, nil, nil)
	return &fixture{store: store, agg: agg, recorder: rec, dispatcher: NewDispatcher(tr, rec, nil, nil)}
}

func TestDecodeEnvelopes(t *testing.T) {
	envs, err := DecodeEnvelopes([]byte(`{"type":"page_view","data":{"sessionId":"s1"}}`))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, TypePageView, envs[0].Type)

	envs, err = DecodeEnvelopes([]byte(` [{"type":"a"},{"type":"b"}]`))
	require.NoError(t, err)
	assert.Len(t, envs, 2)

	_, err = DecodeEnvelopes([]byte(`{"type":`))
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
	_, err = DecodeEnvelopes(nil)
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
}

func TestDispatchFullFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	envs, err := DecodeEnvelopes([]byte(`[
		{"type":"session_start","data":{"sessionId":"s1","visitorId":"v1","timestamp":"2024-03-01T12:00:00Z",
			"utm_source":"google","utm_medium":"cpc","utm_campaign":"spring","gclid":"g-1","landingPage":"/shoes"}},
		{"type":"page_view","data":{"sessionId":"s1","visitorId":"v1","pageUrl":"/shoes/red","timestamp":"2024-03-01T12:01:00Z"}},
		{"type":"interaction","data":{"sessionId":"s1","visitorId":"v1","eventName":"add_to_cart","timestamp":"2024-03-01T12:02:00Z",
			"properties":{"sku":"red-1","price":40}}},
		{"type":"conversion","data":{"sessionId":"s1","orderId":"o1","totalValue":80,"currency":"EUR","timestamp":"2024-03-01T12:05:00Z",
			"lineItems":[{"sku":"red-1","quantity":2,"price":40}]}}
	]`))
	require.NoError(t, err)

	results, err := f.dispatcher.DispatchBatch(ctx, envs)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, StatusOK, r.Status, r.Type)
	}
	assert.NotEmpty(t, results[3].ConversionID)

	sess, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "google", sess.Context.UTM.Source)
	assert.Equal(t, "/shoes", sess.Context.LandingPage)

	c, err := f.store.GetConversionByOrder(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Attributed)
	assert.Equal(t, "g-1", c.FirstClick.ClickID)
	assert.Equal(t, 2, c.ItemCount)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	for _, pattern := range []string{"session_start", "page_view", "add_to_cart", "conversion"} {
		n, err := f.store.CountDistinctSessions(ctx, pattern, from, to)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, pattern)
	}

	cs, err := f.agg.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, int64(1), cs[0].Sessions)
	assert.Equal(t, int64(1), cs[0].Clicks)
	assert.Equal(t, int64(1), cs[0].Conversions)
	assert.InDelta(t, 80.0, cs[0].Revenue, 1e-9)
}

func TestDispatchRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	start := `{"type":"session_start","data":{"sessionId":"s1","visitorId":"v1","timestamp":"2024-03-01T12:00:00Z",
		"utm_source":"google","utm_medium":"cpc","utm_campaign":"spring","gclid":"g-1"}}`
	view := `{"type":"page_view","data":{"sessionId":"s1","visitorId":"v1","pageUrl":"/shoes","timestamp":"2024-03-01T12:01:00Z"}}`
	envs, err := DecodeEnvelopes([]byte("[" + start + "," + view + "," + start + "," + view + "]"))
	require.NoError(t, err)

	results, err := f.dispatcher.DispatchBatch(ctx, envs)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, StatusDuplicate, results[2].Status)

	tps, err := f.store.ListTouchpoints(ctx, []string{"s1"}, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, tps, 1)

	cs, err := f.agg.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, int64(1), cs[0].Clicks)
	assert.Equal(t, int64(1), cs[0].Sessions)
	assert.Equal(t, int64(1), cs[0].PageViews)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	daily, err := f.agg.Daily(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(1), daily[0].PageViews)

	envs, err = DecodeEnvelopes([]byte(`{"type":"conversion","data":{"sessionId":"s1","orderId":"o1","totalValue":20,"timestamp":"2024-03-01T12:05:00Z"}}`))
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, envs[0])
	require.NoError(t, err)

	c, err := f.store.GetConversionByOrder(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.TouchpointCount)
}

func TestDispatchRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []string{
		`{"type":"session_start","data":{"sessionId":"s1"}}`,
		`{"type":"page_view","data":{"visitorId":"v1"}}`,
		`{"type":"conversion","data":{"orderId":"o1"}}`,
		`{"type":"conversion","data":{"totalValue":10}}`,
		`{"type":"conversion"}`,
		`{"type":"teleport","data":{}}`,
		`{"data":{}}`,
	}
	for _, body := range cases {
		envs, err := DecodeEnvelopes([]byte(body))
		require.NoError(t, err)
		_, err = f.dispatcher.Dispatch(ctx, envs[0])
		assert.ErrorIs(t, err, models.ErrMalformedPayload, body)
	}

	c, err := f.store.GetConversionByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDispatchBatchSkipsRejected(t *testing.T) {
	f := newFixture(t)
	envs, err := DecodeEnvelopes([]byte(`[
		{"type":"conversion","data":{"orderId":"o1"}},
		{"type":"conversion","data":{"orderId":"o2","totalValue":5}}
	]`))
	require.NoError(t, err)

	results, err := f.dispatcher.DispatchBatch(context.Background(), envs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusRejected, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
	assert.Equal(t, StatusOK, results[1].Status)
}

func TestDispatchSoftFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	envs, err := DecodeEnvelopes([]byte(`[
		{"type":"conversion","data":{"sessionId":"ghost","orderId":"o1","totalValue":10}},
		{"type":"conversion","data":{"sessionId":"ghost","orderId":"o1","totalValue":12}}
	]`))
	require.NoError(t, err)

	results, err := f.dispatcher.DispatchBatch(ctx, envs)
	require.NoError(t, err)
	assert.Equal(t, StatusUnattributed, results[0].Status)
	assert.Contains(t, results[0].Warning, models.ErrSessionNotFound.Error())
	assert.Equal(t, StatusDuplicate, results[1].Status)
	assert.Equal(t, results[0].ConversionID, results[1].ConversionID)
}

func TestSuppliedCustomerJourney(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	envs, err := DecodeEnvelopes([]byte(`{"type":"conversion","data":{"sessionId":"ghost","orderId":"o1","totalValue":10,
		"timestamp":"2024-03-05T00:00:00Z",
		"customer_journey":[
			{"touchpointId":"t2","timestamp":"2024-03-03T00:00:00Z","utm_source":"facebook","utm_medium":"social"},
			{"touchpointId":"t1","timestamp":"2024-03-01T00:00:00Z","utm_source":"google","utm_medium":"cpc"}
		]}}`))
	require.NoError(t, err)

	res, err := f.dispatcher.Dispatch(ctx, envs[0])
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	c, err := f.store.GetConversionByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "google", c.FirstClick.Source)
	assert.Equal(t, "facebook", c.LastClick.Source)
	assert.Equal(t, 2, c.DaysToPurchase)
}

// ===========================================
// KAFKA
// ===========================================

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	done      chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	close(r.done)
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type flakyRecorder struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRecorder) Record(_ context.Context, in conversion.OrderInput, _ *models.Journey) (conversion.RecordResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return conversion.RecordResult{}, fmt.Errorf("insert: %w", models.ErrStorageUnavailable)
	}
	return conversion.RecordResult{Conversion: &models.Conversion{ConversionID: "c-" + in.OrderID, OrderID: in.OrderID}, Created: true}, nil
}

func (r *flakyRecorder) Amend(context.Context, conversion.OrderInput) (*models.Conversion, error) {
	return nil, models.ErrConversionNotFound
}

func TestKafkaConsumerCommitsAndRetries(t *testing.T) {
	rec := &flakyRecorder{failures: 2}
	d := NewDispatcher(nil, rec, nil, nil)
	reader := &fakeReader{
		done: make(chan struct{}),
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`not json`)},
			{Offset: 2, Value: []byte(`{"type":"conversion","data":{"orderId":"o1","totalValue":1}}`)},
			{Offset: 3, Value: []byte(`{"type":"conversion","data":{"orderId":"o2"}}`)},
		},
	}
	c := newKafkaConsumer(reader, d, nil)
	c.backoffMin = time.Millisecond
	c.backoffMax = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-reader.done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.Equal(t, 3, rec.calls)
}

// ===========================================
// WEBHOOK & SPEND
// ===========================================

func TestOrderWebhookCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := NewOrderWebhook(f.recorder, nil)

	body := `{"id":1001,"order_number":42,"total_price":"59.90","currency":"eur","created_at":"2024-03-01T12:00:00Z",
		"line_items":[{"sku":"a","title":"Shirt","quantity":2,"price":"29.95"}],
		"note_attributes":[{"name":"session_id","value":"s1"}]}`
	res, err := h.Handle(ctx, TopicOrderCreate, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)
	assert.Equal(t, "1001", res.OrderID)

	c, err := f.store.GetConversionByOrder(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "EUR", c.Currency)
	assert.Equal(t, "42", c.OrderNumber)
	assert.Equal(t, 2, c.ItemCount)
	assert.InDelta(t, 59.90, c.TotalValue, 1e-9)

	updated := `{"id":1001,"total_price":"49.90","currency":"EUR","line_items":[]}`
	res, err = h.Handle(ctx, TopicOrderUpdated, []byte(updated))
	require.NoError(t, err)
	assert.Equal(t, "amended", res.Status)
	c, err = f.store.GetConversionByOrder(ctx, "1001")
	require.NoError(t, err)
	assert.InDelta(t, 49.90, c.TotalValue, 1e-9)

	// An update for an order never seen is recorded.
	res, err = h.Handle(ctx, TopicOrderUpdated, []byte(`{"id":2002,"total_price":"10.00","currency":"USD"}`))
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)

	_, err = h.Handle(ctx, "orders/delete", []byte(body))
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
	_, err = h.Handle(ctx, TopicOrderCreate, []byte(`{"id":3003}`))
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
}

func TestSpendImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	imp := NewSpendImporter(f.agg, time.UTC, nil, nil)

	n, err := imp.Import(ctx, []SpendRecord{
		{Date: "2024-03-01", Source: "google", Medium: "cpc", Campaign: "spring", Spend: 25.5, Clicks: 40},
		{Date: "2024-03-01", Source: "google", Medium: "cpc", Campaign: "spring", Spend: 4.5, Clicks: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cs, err := f.agg.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.InDelta(t, 30.0, cs[0].Spend, 1e-9)
	assert.Equal(t, int64(50), cs[0].Clicks)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	total, err := f.agg.Totals(ctx, day, day)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, total.Spend, 1e-9)

	_, err = imp.Import(ctx, []SpendRecord{{Date: "03/01/2024", Source: "google", Spend: 1}})
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
	_, err = imp.Import(ctx, []SpendRecord{{Date: "2024-03-01", Source: "google", Spend: -1}})
	assert.ErrorIs(t, err, models.ErrMalformedPayload)
}
