package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaquant/optioncollector/internal/config"
	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/exchange"
	"github.com/deltaquant/optioncollector/internal/models"
)

type fakeUniverse struct {
	options []exchange.InstrumentDescriptor
	futures []exchange.InstrumentDescriptor
	err     error
}

func (f *fakeUniverse) ListActive(ctx context.Context, currency, kind string) ([]exchange.InstrumentDescriptor, error) {
	if f.err != nil {
		return nil, f.err
	}
	if kind == "future" {
		return f.futures, nil
	}
	return f.options, nil
}

type fakeControl struct {
	tracked      []string
	subscribed   [][]string
	unsubscribed [][]string
	rebalanced   int
}

func (f *fakeControl) Subscribe(instruments []string) exchange.CommandResult {
	sort.Strings(instruments)
	f.subscribed = append(f.subscribed, instruments)
	return exchange.CommandResult{Subscribed: instruments}
}

func (f *fakeControl) Unsubscribe(instruments []string) exchange.CommandResult {
	f.unsubscribed = append(f.unsubscribed, instruments)
	trackedSet := make(map[string]struct{}, len(f.tracked))
	for _, name := range f.tracked {
		trackedSet[name] = struct{}{}
	}
	var result exchange.CommandResult
	for _, name := range instruments {
		if _, ok := trackedSet[name]; ok {
			result.Unsubscribed = append(result.Unsubscribed, name)
		} else {
			result.NotFound = append(result.NotFound, name)
		}
	}
	return result
}

func (f *fakeControl) Rebalance() int    { return f.rebalanced }
func (f *fakeControl) Tracked() []string { return f.tracked }

type fakeInstrumentStore struct {
	active   []models.InstrumentMetadata
	known    map[string]struct{}
	upserted []models.InstrumentMetadata
	expired  []string
	touched  []string
}

func (f *fakeInstrumentStore) GetActive(currency string) ([]models.InstrumentMetadata, error) {
	return f.active, nil
}

func (f *fakeInstrumentStore) UpsertListed(rows []models.InstrumentMetadata) (int64, error) {
	f.upserted = append(f.upserted, rows...)
	return int64(len(rows)), nil
}

func (f *fakeInstrumentStore) MarkExpired(name string, at time.Time) error {
	f.expired = append(f.expired, name)
	return nil
}

func (f *fakeInstrumentStore) TouchLastSeen(names []string, at time.Time) (int64, error) {
	f.touched = append(f.touched, names...)
	return int64(len(names)), nil
}

func (f *fakeInstrumentStore) KnownNames(names []string) (map[string]struct{}, error) {
	if f.known == nil {
		return map[string]struct{}{}, nil
	}
	return f.known, nil
}

type fakeEventStore struct {
	events []models.LifecycleEvent
}

func (f *fakeEventStore) InsertEvent(event models.LifecycleEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventStore) byType(eventType string) []models.LifecycleEvent {
	var matched []models.LifecycleEvent
	for _, event := range f.events {
		if event.EventType == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func testConfig() *config.Config {
	return &config.Config{
		Currency:        "BTC",
		CollectorID:     "collector-btc",
		ExpiryBufferMin: 5,
	}
}

func optionDescriptor(name string, expiresIn time.Duration) exchange.InstrumentDescriptor {
	return exchange.InstrumentDescriptor{
		InstrumentName:      name,
		Kind:                "option",
		BaseCurrency:        "BTC",
		IsActive:            true,
		ExpirationTimestamp: time.Now().Add(expiresIn).UnixMilli(),
		Strike:              100000,
		OptionType:          "call",
	}
}

func TestReconcileSubscribesNewListings(t *testing.T) {
	universe := &fakeUniverse{
		options: []exchange.InstrumentDescriptor{
			optionDescriptor("BTC-26SEP25-100000-C", 48*time.Hour),
		},
	}
	control := &fakeControl{}
	instruments := &fakeInstrumentStore{}
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), universe, control, instruments, events, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	require.Len(t, control.subscribed, 1)
	assert.Equal(t, []string{"BTC-26SEP25-100000-C"}, control.subscribed[0])
	require.Len(t, instruments.upserted, 1)
	assert.Equal(t, "option", instruments.upserted[0].InstrumentType)
	assert.Len(t, events.byType(models.EventInstrumentListed), 1)
	assert.Len(t, events.byType(models.EventSubscriptionAdded), 1)
}

func TestReconcileExpiresInsideBuffer(t *testing.T) {
	universe := &fakeUniverse{
		options: []exchange.InstrumentDescriptor{
			// expires in 3 minutes, inside the 5-minute buffer
			optionDescriptor("BTC-25AUG25-95000-C", 3*time.Minute),
		},
	}
	control := &fakeControl{tracked: []string{"BTC-25AUG25-95000-C"}}
	instruments := &fakeInstrumentStore{known: map[string]struct{}{"BTC-25AUG25-95000-C": {}}}
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), universe, control, instruments, events, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	require.Len(t, control.unsubscribed, 1)
	assert.Equal(t, []string{"BTC-25AUG25-95000-C"}, control.unsubscribed[0])
	assert.Equal(t, []string{"BTC-25AUG25-95000-C"}, instruments.expired)
	assert.Empty(t, control.subscribed)

	expiredEvents := events.byType(models.EventInstrumentExpired)
	require.Len(t, expiredEvents, 1)
	assert.True(t, expiredEvents[0].Success)
	assert.Len(t, events.byType(models.EventSubscriptionRemoved), 1)
}

func TestReconcileExpiresDelistedInstrument(t *testing.T) {
	universe := &fakeUniverse{}
	control := &fakeControl{tracked: []string{"BTC-22AUG25-60000-P"}}
	instruments := &fakeInstrumentStore{}
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), universe, control, instruments, events, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	assert.Equal(t, []string{"BTC-22AUG25-60000-P"}, instruments.expired)
}

func TestReconcileIsIdempotent(t *testing.T) {
	universe := &fakeUniverse{
		options: []exchange.InstrumentDescriptor{
			optionDescriptor("BTC-26SEP25-100000-C", 48*time.Hour),
		},
	}
	control := &fakeControl{tracked: []string{"BTC-26SEP25-100000-C"}}
	instruments := &fakeInstrumentStore{known: map[string]struct{}{"BTC-26SEP25-100000-C": {}}}
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), universe, control, instruments, events, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	assert.Empty(t, control.subscribed)
	assert.Empty(t, control.unsubscribed)
	assert.Empty(t, instruments.expired)
	assert.Empty(t, events.events)
	// last_seen still refreshed
	assert.Equal(t, []string{"BTC-26SEP25-100000-C"}, instruments.touched)
}

func TestReconcileExpiresActiveRowAfterRestart(t *testing.T) {
	// the store still holds an active row, but no session tracks it and
	// the exchange no longer lists it
	universe := &fakeUniverse{}
	control := &fakeControl{}
	instruments := &fakeInstrumentStore{
		active: []models.InstrumentMetadata{{InstrumentName: "BTC-22AUG25-60000-P", Currency: "BTC", IsActive: true}},
	}
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), universe, control, instruments, events, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	assert.Equal(t, []string{"BTC-22AUG25-60000-P"}, instruments.expired)
	require.Len(t, control.unsubscribed, 1)

	expiredEvents := events.byType(models.EventInstrumentExpired)
	require.Len(t, expiredEvents, 1)
	assert.True(t, expiredEvents[0].Success, "nothing was streaming the instrument, so expiry needs no unsubscribe")
	assert.Empty(t, events.byType(models.EventSubscriptionRemoved))
}

func TestReconcileResubscribesActiveRowAfterRestart(t *testing.T) {
	// the store row survived a restart; the pool starts empty, so the
	// instrument must be placed on a session again
	universe := &fakeUniverse{
		options: []exchange.InstrumentDescriptor{
			optionDescriptor("BTC-26SEP25-100000-C", 48*time.Hour),
		},
	}
	control := &fakeControl{}
	instruments := &fakeInstrumentStore{
		active: []models.InstrumentMetadata{{InstrumentName: "BTC-26SEP25-100000-C", Currency: "BTC", IsActive: true}},
		known:  map[string]struct{}{"BTC-26SEP25-100000-C": {}},
	}
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), universe, control, instruments, events, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	require.Len(t, control.subscribed, 1)
	assert.Equal(t, []string{"BTC-26SEP25-100000-C"}, control.subscribed[0])
	assert.Empty(t, instruments.expired)
	assert.Empty(t, events.byType(models.EventInstrumentListed), "the instrument was already known")
	assert.Len(t, events.byType(models.EventSubscriptionAdded), 1)
}

func TestReconcileIncludesPerpetuals(t *testing.T) {
	universe := &fakeUniverse{
		futures: []exchange.InstrumentDescriptor{
			{InstrumentName: "BTC-PERPETUAL", Kind: "future", IsActive: true, SettlementPeriod: "perpetual"},
			{InstrumentName: "BTC-26SEP25", Kind: "future", IsActive: true, SettlementPeriod: "month"},
		},
	}
	control := &fakeControl{}
	instruments := &fakeInstrumentStore{}
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), universe, control, instruments, events, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	require.Len(t, control.subscribed, 1)
	assert.Equal(t, []string{"BTC-PERPETUAL"}, control.subscribed[0])
	require.Len(t, instruments.upserted, 1)
	assert.Equal(t, "perpetual", instruments.upserted[0].InstrumentType)
}

func TestReconcilePermanentCatalogFaultSurfaces(t *testing.T) {
	universe := &fakeUniverse{err: errs.Permanent("malformed response", nil)}
	svc := NewLifecycleService(testConfig(), universe, &fakeControl{}, &fakeInstrumentStore{}, &fakeEventStore{}, nil)

	assert.Error(t, svc.Reconcile(context.Background()))
}

func TestRunRebalanceEmitsEventOnlyWhenMoved(t *testing.T) {
	events := &fakeEventStore{}
	svc := NewLifecycleService(testConfig(), &fakeUniverse{}, &fakeControl{rebalanced: 0}, &fakeInstrumentStore{}, events, nil)
	svc.RunRebalance()
	assert.Empty(t, events.events)

	events = &fakeEventStore{}
	svc = NewLifecycleService(testConfig(), &fakeUniverse{}, &fakeControl{rebalanced: 42}, &fakeInstrumentStore{}, events, nil)
	svc.RunRebalance()
	require.Len(t, events.events, 1)
	assert.Equal(t, models.EventRebalanceTriggered, events.events[0].EventType)
}

func TestDescriptorToMetadata(t *testing.T) {
	now := time.Now().UTC()
	d := optionDescriptor("BTC-26SEP25-100000-C", 48*time.Hour)

	row := descriptorToMetadata(d, "BTC", now)

	assert.Equal(t, "BTC-26SEP25-100000-C", row.InstrumentName)
	assert.Equal(t, "option", row.InstrumentType)
	require.NotNil(t, row.StrikePrice)
	assert.Equal(t, 100000.0, *row.StrikePrice)
	assert.Equal(t, "call", row.OptionType)
	require.NotNil(t, row.ExpiryDate)
	assert.True(t, row.IsActive)
}
