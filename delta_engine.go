package roomsync

import (
	"context"
	"log"
	"sync/atomic"
)

// ZoneChangeSet is the remote's answer to "which zones changed since
// this token".
type ZoneChangeSet struct {
	Changed []string `json:"changed,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
	Token   string   `json:"token"`
	More    bool     `json:"more,omitempty"`
}

// RecordChangeSet is the remote's answer to "which records changed in
// this zone since this token".
type RecordChangeSet struct {
	Changed []*Record  `json:"changed,omitempty"`
	Deleted []RecordID `json:"deleted,omitempty"`
	Token   string     `json:"token"`
}

// RemoteStore is the remote record store collaborator. Implementations
// translate their transport failures into SyncError kinds; anything
// unclassified is treated as transient.
type RemoteStore interface {
	// FetchZoneChanges returns the zones changed or deleted since token
	// (""=everything), with the next token and whether more pages follow.
	FetchZoneChanges(ctx context.Context, scope Scope, token string) (*ZoneChangeSet, error)

	// FetchRecordChanges returns record-level changes in a zone since
	// token, restricted to the desired fields (nil = all fields).
	FetchRecordChanges(ctx context.Context, scope Scope, zone, token string, desiredFields []string) (*RecordChangeSet, error)

	// Save writes a record, returning the stored version with its new
	// modification marker.
	Save(ctx context.Context, rec *Record) (*Record, error)

	// Delete removes a record by identity.
	Delete(ctx context.Context, id RecordID) error
}

// RemoteResetter is implemented by remote stores that support a full
// state reset, requested at most once when legacy-shaped records are
// detected.
type RemoteResetter interface {
	ResetState(ctx context.Context, scope Scope) error
}

// FetchOutcome is the result of one delta fetch cycle for a scope.
type FetchOutcome struct {
	Records      []*Record
	Deleted      []RecordID
	DeletedZones []string
	ZonesFetched int
}

// DeltaEngine tracks per-scope and per-zone change cursors and fetches
// only what changed since the last observation. Tokens advance only
// after the cycle they cover completes; an invalid cursor clears the
// affected token (never local data) so the next cycle rescans.
type DeltaEngine struct {
	scope  Scope
	remote RemoteStore
	tokens *StateStore
	config EngineConfig

	resetRequested atomic.Bool // one-shot latch against reset storms

	fetches    atomic.Int64
	records    atomic.Int64
	tombstones atomic.Int64
	rescans    atomic.Int64
}

// NewDeltaEngine creates a delta engine for one scope.
func NewDeltaEngine(scope Scope, remote RemoteStore, tokens *StateStore, cfg EngineConfig) *DeltaEngine {
	return &DeltaEngine{
		scope:  scope,
		remote: remote,
		tokens: tokens,
		config: cfg,
	}
}

// Scope returns the scope this engine serves.
func (e *DeltaEngine) Scope() Scope { return e.scope }

// FetchChanges runs one delta fetch cycle: zone-level summary since the
// scope token, then record-level changes per changed zone since each
// zone's token. roomFilter restricts the record fetch to a single zone
// ("" = all changed zones).
//
// The scope token is advanced only after every zone in the cycle has
// completed, so a mid-cycle failure leaves it untouched and the next
// pass re-observes the same summary. Filtered passes never advance the
// scope token; only the filtered zone's own token moves.
func (e *DeltaEngine) FetchChanges(ctx context.Context, roomFilter string) (*FetchOutcome, error) {
	e.fetches.Add(1)

	scopeToken, err := e.tokens.Token(ctx, e.scope, "")
	if err != nil {
		return nil, NewSyncError(ErrKindTransient, "fetch changes", err)
	}
	if scopeToken == "" {
		e.rescans.Add(1)
	}

	var (
		changedZones []string
		deletedZones []string
		nextToken    = scopeToken
	)
	for {
		zcs, err := e.remote.FetchZoneChanges(ctx, e.scope, nextToken)
		if err != nil {
			if IsCursorInvalid(err) {
				// Expired cursor: clear it so the next cycle rescans.
				// Local data is never touched.
				log.Printf("[DeltaEngine] %s scope token invalid, scheduling full rescan", e.scope)
				if cerr := e.tokens.ClearToken(ctx, e.scope, ""); cerr != nil {
					log.Printf("[DeltaEngine] Failed to clear %s scope token: %v", e.scope, cerr)
				}
			}
			return nil, err
		}
		changedZones = append(changedZones, zcs.Changed...)
		deletedZones = append(deletedZones, zcs.Deleted...)
		nextToken = zcs.Token
		if !zcs.More {
			break
		}
	}

	outcome := &FetchOutcome{DeletedZones: deletedZones}

	for _, zone := range changedZones {
		if roomFilter != "" && zone != roomFilter {
			continue
		}
		if err := e.fetchZoneRecords(ctx, zone, outcome); err != nil {
			return outcome, err
		}
		outcome.ZonesFetched++
	}

	if len(deletedZones) > 0 {
		if err := e.tokens.ClearZoneTokens(ctx, e.scope, deletedZones); err != nil {
			return outcome, NewSyncError(ErrKindTransient, "clear deleted zone tokens", err)
		}
	}

	// A filtered pass does not consume the full summary: zones the
	// filter skipped were never fetched, and advancing the scope token
	// past them would hide their changes from the next unfiltered pass.
	if roomFilter == "" && nextToken != scopeToken {
		if err := e.tokens.SetToken(ctx, e.scope, "", nextToken); err != nil {
			return outcome, NewSyncError(ErrKindTransient, "advance scope token", err)
		}
	}

	e.records.Add(int64(len(outcome.Records)))
	e.tombstones.Add(int64(len(outcome.Deleted)))
	return outcome, nil
}

// fetchZoneRecords fetches one zone's record deltas and advances the
// zone token only after the zone's cycle fully completes.
func (e *DeltaEngine) fetchZoneRecords(ctx context.Context, zone string, outcome *FetchOutcome) error {
	zoneToken, err := e.tokens.Token(ctx, e.scope, zone)
	if err != nil {
		return NewSyncError(ErrKindTransient, "read zone token", err)
	}

	rcs, err := e.remote.FetchRecordChanges(ctx, e.scope, zone, zoneToken, e.config.DesiredFields)
	if err != nil {
		if IsCursorInvalid(err) {
			log.Printf("[DeltaEngine] %s/%s zone token invalid, scheduling full rescan", e.scope, zone)
			if cerr := e.tokens.ClearToken(ctx, e.scope, zone); cerr != nil {
				log.Printf("[DeltaEngine] Failed to clear %s/%s zone token: %v", e.scope, zone, cerr)
			}
		}
		return err
	}

	outcome.Records = append(outcome.Records, rcs.Changed...)
	outcome.Deleted = append(outcome.Deleted, rcs.Deleted...)

	if rcs.Token != zoneToken {
		if err := e.tokens.SetToken(ctx, e.scope, zone, rcs.Token); err != nil {
			return NewSyncError(ErrKindTransient, "advance zone token", err)
		}
	}
	return nil
}

// NoteLegacyRecord reports a record of a known type missing required
// fields. The first report per process requests a full remote-state
// reset if the remote supports it; subsequent reports are ignored so a
// batch of legacy records cannot cause a reset storm.
func (e *DeltaEngine) NoteLegacyRecord(ctx context.Context, id RecordID) {
	if e.resetRequested.Swap(true) {
		return
	}
	log.Printf("[DeltaEngine] Legacy record shape detected at %s, requesting remote state reset", id)
	if resetter, ok := e.remote.(RemoteResetter); ok {
		if err := resetter.ResetState(ctx, e.scope); err != nil {
			log.Printf("[DeltaEngine] Remote state reset failed: %v", err)
		}
	}
}

// ResetRequested reports whether the legacy-shape reset latch fired.
func (e *DeltaEngine) ResetRequested() bool {
	return e.resetRequested.Load()
}

// DeltaEngineStats contains engine statistics.
type DeltaEngineStats struct {
	Fetches    int64 `json:"fetches"`
	Records    int64 `json:"records"`
	Tombstones int64 `json:"tombstones"`
	Rescans    int64 `json:"rescans"`
}

// Stats returns engine statistics.
func (e *DeltaEngine) Stats() DeltaEngineStats {
	return DeltaEngineStats{
		Fetches:    e.fetches.Load(),
		Records:    e.records.Load(),
		Tombstones: e.tombstones.Load(),
		Rescans:    e.rescans.Load(),
	}
}
