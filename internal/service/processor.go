package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/event-dedup-gateway/internal/coordinator"
	"github.com/fairyhunter13/event-dedup-gateway/internal/model"
)

// releaseTimeout bounds the best-effort release phase. Release runs on a
// context detached from the session so a disconnect mid-persist cannot
// leak a claim until TTL.
const releaseTimeout = 5 * time.Second

// Outcome classifies a successful Process call.
type Outcome int

const (
	// OutcomePersisted means this invocation won the claim and the row now
	// exists (either inserted here or already present in the store).
	OutcomePersisted Outcome = iota
	// OutcomeDuplicate means the claim was held elsewhere and the event was
	// skipped without touching the store.
	OutcomeDuplicate
)

// Coordinator is the claim side of the protocol.
type Coordinator interface {
	Claim(ctx context.Context, eventID, owner string, ttl time.Duration) coordinator.ClaimResult
	Release(ctx context.Context, eventID, owner string) coordinator.ReleaseResult
}

// EventStore is the authoritative persistence side of the protocol.
type EventStore interface {
	Insert(ctx context.Context, event *model.Event) error
}

// Processor executes the single-flight claim-and-persist protocol for one
// event at a time. It is stateless per event and safe for concurrent use.
//
// The claim gives fast single-flight so parallel submissions of the same
// event_id do not pile inserts on the store; the unique index gives
// authoritative dedup. On success the claim is deliberately left to expire:
// holding it through the TTL suppresses near-duplicate retries with a
// single coordinator round-trip.
type Processor struct {
	coord      Coordinator
	store      EventStore
	instanceID string
	ttl        time.Duration
}

// NewProcessor creates a Processor bound to this instance's identity.
func NewProcessor(coord Coordinator, store EventStore, instanceID string, ttl time.Duration) *Processor {
	return &Processor{
		coord:      coord,
		store:      store,
		instanceID: instanceID,
		ttl:        ttl,
	}
}

// Process runs one event through the protocol. It never panics across the
// component boundary; every terminal state maps to an Outcome or a
// classified error:
//   - (OutcomeDuplicate, nil): claim lost, another attempt is in flight or
//     recently settled; nothing written.
//   - (OutcomePersisted, nil): row exists; claim held until TTL.
//   - ErrCoordinatorUnavailable: single-flight could not be established;
//     the store was not touched.
//   - ErrStoreUnavailable: transient persist failure; claim released so a
//     retry from any instance may proceed promptly.
//   - ErrStoreFatal: persist rejected; claim released; event lost.
func (p *Processor) Process(ctx context.Context, event *model.Event) (Outcome, error) {
	switch p.coord.Claim(ctx, event.EventID, p.instanceID, p.ttl) {
	case coordinator.ClaimLost:
		log.Info().
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Msg("duplicate event detected, skipping")
		return OutcomeDuplicate, nil
	case coordinator.ClaimUnavailable:
		// Falling through to Insert here would let two instances race.
		log.Warn().
			Str("event_id", event.EventID).
			Msg("cannot establish single-flight, event not processed")
		return 0, ErrCoordinatorUnavailable
	}

	err := p.persist(ctx, event)
	if err == nil || errors.Is(err, ErrDuplicateEvent) {
		// Do not release: the claim expiring by TTL cheaply absorbs
		// near-duplicate retries of an already-settled event.
		return OutcomePersisted, nil
	}

	p.release(ctx, event.EventID)

	if errors.Is(err, ErrStoreUnavailable) {
		log.Warn().
			Err(err).
			Str("event_id", event.EventID).
			Msg("transient persist failure, claim released")
		return 0, err
	}
	log.Error().
		Err(err).
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Msg("fatal persist failure, event lost")
	return 0, err
}

// persist writes the event, honoring the force_fail drill hook carried
// from load testing: a truthy payload["force_fail"] simulates a transient
// store failure without touching the database.
func (p *Processor) persist(ctx context.Context, event *model.Event) error {
	if forced, ok := event.Payload["force_fail"].(bool); ok && forced {
		log.Error().Str("event_id", event.EventID).Msg("forced failure triggered")
		return fmt.Errorf("%w: forced failure", ErrStoreUnavailable)
	}

	err := p.store.Insert(ctx, event)
	if err == nil {
		log.Info().
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Msg("event persisted")
		return nil
	}
	if errors.Is(err, ErrDuplicateEvent) {
		log.Info().
			Str("event_id", event.EventID).
			Msg("event already persisted by another instance")
	}
	return err
}

// release gives the claim back so a retry may proceed before TTL. It runs
// even when the session context is already cancelled, and tolerates
// NotOwner and unavailability: a missed release merely delays retry until
// the claim expires.
func (p *Processor) release(ctx context.Context, eventID string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	switch p.coord.Release(relCtx, eventID, p.instanceID) {
	case coordinator.NotOwner:
		log.Debug().Str("event_id", eventID).Msg("claim no longer owned, not released")
	case coordinator.ReleaseUnavailable:
		log.Warn().Str("event_id", eventID).Msg("claim release failed, will expire by TTL")
	default:
		log.Debug().Str("event_id", eventID).Msg("claim released")
	}
}
