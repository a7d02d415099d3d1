// Package service contains the service layer for the collector
package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/deltaquant/optioncollector/internal/config"
	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/internal/exchange"
	"github.com/deltaquant/optioncollector/internal/models"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
)

const universeCacheTTL = time.Hour

// UniverseSource lists the exchange's currently tradable instruments
type UniverseSource interface {
	ListActive(ctx context.Context, currency, kind string) ([]exchange.InstrumentDescriptor, error)
}

// SubscriptionControl is the subscription surface the lifecycle manager
// drives.
type SubscriptionControl interface {
	Subscribe(instruments []string) exchange.CommandResult
	Unsubscribe(instruments []string) exchange.CommandResult
	Rebalance() int
	Tracked() []string
}

// InstrumentStore is the metadata surface the lifecycle manager reads
// and writes.
type InstrumentStore interface {
	GetActive(currency string) ([]models.InstrumentMetadata, error)
	UpsertListed(instruments []models.InstrumentMetadata) (int64, error)
	MarkExpired(instrumentName string, expiredAt time.Time) error
	TouchLastSeen(instrumentNames []string, seenAt time.Time) (int64, error)
	KnownNames(instrumentNames []string) (map[string]struct{}, error)
}

// EventStore appends lifecycle audit events
type EventStore interface {
	InsertEvent(event models.LifecycleEvent) error
}

// LifecycleService reconciles the tracked instrument set against the
// exchange universe: new listings are subscribed, instruments at or inside
// the expiry buffer are unsubscribed and marked expired, and every action
// lands in the lifecycle event log.
type LifecycleService struct {
	cfg            *config.Config
	universe       UniverseSource
	control        SubscriptionControl
	instrumentRepo InstrumentStore
	lifecycleRepo  EventStore
	redisClient    *redis.Client
	expiryBuffer   time.Duration
}

// NewLifecycleService creates a new LifecycleService
func NewLifecycleService(cfg *config.Config, universe UniverseSource, control SubscriptionControl, instrumentRepo InstrumentStore, lifecycleRepo EventStore, redisClient *redis.Client) *LifecycleService {
	return &LifecycleService{
		cfg:            cfg,
		universe:       universe,
		control:        control,
		instrumentRepo: instrumentRepo,
		lifecycleRepo:  lifecycleRepo,
		redisClient:    redisClient,
		expiryBuffer:   time.Duration(cfg.ExpiryBufferMin) * time.Minute,
	}
}

// Reconcile runs one reconciliation pass. The local set is the durable
// active metadata rows joined with the pool's live set, so rows left
// active by a previous run are expired or resubscribed after a restart.
// It is idempotent: a second pass against an unchanged universe changes
// nothing.
func (s *LifecycleService) Reconcile(ctx context.Context) error {
	now := time.Now().UTC()

	descriptors, err := s.fetchUniverse(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string]exchange.InstrumentDescriptor, len(descriptors))
	cutoff := now.Add(s.expiryBuffer)
	for _, d := range descriptors {
		if !d.IsActive {
			continue
		}
		byName[d.InstrumentName] = d
	}

	stored, err := s.instrumentRepo.GetActive(s.cfg.Currency)
	if err != nil {
		return errs.Transient("read active instruments", err)
	}

	poolTracked := s.control.Tracked()
	poolSet := make(map[string]struct{}, len(poolTracked))
	for _, name := range poolTracked {
		poolSet[name] = struct{}{}
	}

	localSet := make(map[string]struct{}, len(stored)+len(poolTracked))
	for _, row := range stored {
		localSet[row.InstrumentName] = struct{}{}
	}
	for _, name := range poolTracked {
		localSet[name] = struct{}{}
	}

	// expire: local instruments gone from the universe or inside the
	// expiry buffer
	var expiring []string
	for name := range localSet {
		d, listed := byName[name]
		if !listed {
			expiring = append(expiring, name)
			continue
		}
		if expiry := d.Expiry(); !expiry.IsZero() && !expiry.After(cutoff) {
			expiring = append(expiring, name)
		}
	}
	sort.Strings(expiring)
	s.expireInstruments(expiring, now)

	// list: active instruments the pool is not streaming and outside the
	// buffer. A row active in the store but absent from the pool (restart,
	// or a subscribe that failed last pass) is subscribed again here.
	var adding []string
	for name, d := range byName {
		if _, ok := poolSet[name]; ok {
			continue
		}
		if expiry := d.Expiry(); !expiry.IsZero() && !expiry.After(cutoff) {
			continue
		}
		adding = append(adding, name)
	}
	sort.Strings(adding)
	s.subscribeInstruments(adding, byName, now)

	// refresh metadata for everything still listed
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	if _, err := s.instrumentRepo.TouchLastSeen(names, now); err != nil {
		zaplogger.Error("touch last_seen failed", zaplogger.Fields{
			"error": err.Error(),
		})
	}

	zaplogger.Info("reconciliation pass", zaplogger.Fields{
		"universe": len(byName),
		"tracked":  len(localSet),
		"added":    len(adding),
		"expired":  len(expiring),
	})
	return nil
}

// RunRebalance evaluates session skew and migrates subscriptions when a
// session has drifted past tolerance.
func (s *LifecycleService) RunRebalance() {
	migrated := s.control.Rebalance()
	if migrated == 0 {
		return
	}
	details, _ := json.Marshal(map[string]int{"migrated": migrated})
	s.appendEvent(models.LifecycleEvent{
		EventType:   models.EventRebalanceTriggered,
		Currency:    s.cfg.Currency,
		CollectorID: s.cfg.CollectorID,
		Details:     datatypes.JSON(details),
		Success:     true,
	})
}

// fetchUniverse lists options plus perpetuals, falling back to the cached
// snapshot when the exchange is transiently unreachable.
func (s *LifecycleService) fetchUniverse(ctx context.Context) ([]exchange.InstrumentDescriptor, error) {
	options, err := s.universe.ListActive(ctx, s.cfg.Currency, "option")
	if err != nil {
		return s.universeFallback(ctx, err)
	}

	futures, err := s.universe.ListActive(ctx, s.cfg.Currency, "future")
	if err != nil {
		return s.universeFallback(ctx, err)
	}
	for _, d := range futures {
		if strings.EqualFold(d.SettlementPeriod, "perpetual") {
			options = append(options, d)
		}
	}

	s.cacheUniverse(ctx, options)
	return options, nil
}

func (s *LifecycleService) universeCacheKey() string {
	return "universe:" + strings.ToUpper(s.cfg.Currency)
}

func (s *LifecycleService) cacheUniverse(ctx context.Context, descriptors []exchange.InstrumentDescriptor) {
	if s.redisClient == nil {
		return
	}
	payload, err := json.Marshal(descriptors)
	if err != nil {
		return
	}
	if err := s.redisClient.Set(ctx, s.universeCacheKey(), payload, universeCacheTTL).Err(); err != nil {
		zaplogger.Warn("universe cache write failed", zaplogger.Fields{
			"error": err.Error(),
		})
	}
}

// universeFallback serves the cached snapshot for transient catalog
// faults; permanent faults surface immediately.
func (s *LifecycleService) universeFallback(ctx context.Context, cause error) ([]exchange.InstrumentDescriptor, error) {
	if !errs.IsTransient(cause) || s.redisClient == nil {
		return nil, cause
	}
	payload, err := s.redisClient.Get(ctx, s.universeCacheKey()).Bytes()
	if err != nil {
		return nil, cause
	}
	var descriptors []exchange.InstrumentDescriptor
	if err := json.Unmarshal(payload, &descriptors); err != nil {
		return nil, cause
	}
	zaplogger.Warn("catalog unreachable, serving cached universe", zaplogger.Fields{
		"instruments": len(descriptors),
		"error":       cause.Error(),
	})
	return descriptors, nil
}

func (s *LifecycleService) expireInstruments(names []string, now time.Time) {
	if len(names) == 0 {
		return
	}
	result := s.control.Unsubscribe(names)

	removed := make(map[string]struct{}, len(result.Unsubscribed))
	for _, name := range result.Unsubscribed {
		removed[name] = struct{}{}
	}
	// instruments no session was streaming have nothing to shed
	absent := make(map[string]struct{}, len(result.NotFound))
	for _, name := range result.NotFound {
		absent[name] = struct{}{}
	}

	for _, name := range names {
		_, unsubscribed := removed[name]
		if unsubscribed {
			s.appendEvent(models.LifecycleEvent{
				EventType:      models.EventSubscriptionRemoved,
				InstrumentName: name,
				Currency:       s.cfg.Currency,
				CollectorID:    s.cfg.CollectorID,
				Success:        true,
			})
		}
		_, notPresent := absent[name]
		ok := unsubscribed || notPresent
		event := models.LifecycleEvent{
			EventType:      models.EventInstrumentExpired,
			InstrumentName: name,
			Currency:       s.cfg.Currency,
			CollectorID:    s.cfg.CollectorID,
			Success:        ok,
		}
		if !ok {
			event.ErrorMessage = "unsubscribe did not confirm"
		}
		s.appendEvent(event)

		if err := s.instrumentRepo.MarkExpired(name, now); err != nil {
			zaplogger.Error("mark expired failed", zaplogger.Fields{
				"instrument": name,
				"error":      err.Error(),
			})
		}
	}
}

func (s *LifecycleService) subscribeInstruments(names []string, byName map[string]exchange.InstrumentDescriptor, now time.Time) {
	if len(names) == 0 {
		return
	}

	known, err := s.instrumentRepo.KnownNames(names)
	if err != nil {
		zaplogger.Error("known-instrument lookup failed", zaplogger.Fields{
			"error": err.Error(),
		})
		known = map[string]struct{}{}
	}

	var rows []models.InstrumentMetadata
	for _, name := range names {
		rows = append(rows, descriptorToMetadata(byName[name], s.cfg.Currency, now))
		if _, seen := known[name]; !seen {
			s.appendEvent(models.LifecycleEvent{
				EventType:      models.EventInstrumentListed,
				InstrumentName: name,
				Currency:       s.cfg.Currency,
				CollectorID:    s.cfg.CollectorID,
				Success:        true,
			})
		}
	}
	if _, err := s.instrumentRepo.UpsertListed(rows); err != nil {
		zaplogger.Error("instrument upsert failed", zaplogger.Fields{
			"count": len(rows),
			"error": err.Error(),
		})
	}

	result := s.control.Subscribe(names)

	for _, name := range result.Subscribed {
		s.appendEvent(models.LifecycleEvent{
			EventType:      models.EventSubscriptionAdded,
			InstrumentName: name,
			Currency:       s.cfg.Currency,
			CollectorID:    s.cfg.CollectorID,
			Success:        true,
		})
	}
	for _, failed := range result.Failed {
		s.appendEvent(models.LifecycleEvent{
			EventType:      models.EventSubscriptionAdded,
			InstrumentName: failed.Instrument,
			Currency:       s.cfg.Currency,
			CollectorID:    s.cfg.CollectorID,
			Success:        false,
			ErrorMessage:   failed.Error,
		})
	}
}

func (s *LifecycleService) appendEvent(event models.LifecycleEvent) {
	if err := s.lifecycleRepo.InsertEvent(event); err != nil {
		zaplogger.Error("lifecycle event insert failed", zaplogger.Fields{
			"event_type": event.EventType,
			"instrument": event.InstrumentName,
			"error":      err.Error(),
		})
	}
}

// descriptorToMetadata maps one exchange listing onto the metadata row
func descriptorToMetadata(d exchange.InstrumentDescriptor, currency string, now time.Time) models.InstrumentMetadata {
	row := models.InstrumentMetadata{
		InstrumentName: d.InstrumentName,
		Currency:       currency,
		InstrumentType: d.Kind,
		IsActive:       true,
		ListedAt:       now,
		LastSeenAt:     now,
	}
	if strings.EqualFold(d.SettlementPeriod, "perpetual") {
		row.InstrumentType = "perpetual"
	}
	if d.Strike > 0 {
		strike := d.Strike
		row.StrikePrice = &strike
	}
	if d.OptionType != "" {
		row.OptionType = d.OptionType
	}
	if expiry := d.Expiry(); !expiry.IsZero() {
		row.ExpiryDate = &expiry
	}
	return row
}
