// Package conflict implements C10 ConflictResolver: a pure, deterministic
// function of (local, remote, strategy) that decides which side of a
// conflicting entity update wins, per spec.md §4.10's deletion-aware LWW
// rules. Entities cross this boundary as their change-log JSON snapshot
// (map[string]any) rather than a concrete Go struct, since the resolver
// must work uniformly across every entity type SyncEngine pulls.
package conflict

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/basket/coordplane/internal/bus"
)

type Strategy string

const (
	LastWriteWins  Strategy = "last-write-wins"
	FirstWriteWins Strategy = "first-write-wins"
	PreferLocal    Strategy = "prefer-local"
	PreferRemote   Strategy = "prefer-remote"
)

type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// ignoredFields are never considered when computing the field-level diff:
// they describe bookkeeping about the record, not its content, and always
// differ trivially between two copies of the same logical entity.
var ignoredFields = map[string]bool{
	"updated_at":    true,
	"created_at":    true,
	"deleted_at":    true,
	"last_accessed": true,
}

type FieldConflict struct {
	Field  string
	Local  any
	Remote any
}

type Resolution struct {
	Winner         Winner
	Reason         string
	FieldConflicts []FieldConflict
}

const maxLog = 1000

type logEntry struct {
	EntityType string
	EntityID   string
	Strategy   Strategy
	Resolution Resolution
	At         time.Time
}

type Resolver struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu  sync.Mutex
	log []logEntry
}

func New(b *bus.Bus, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{bus: b, logger: logger}
}

// Resolve decides the winning side for a single entity conflict and
// records it in the bounded recent-conflict log. It never mutates local
// or remote.
func (r *Resolver) Resolve(entityType, entityID string, local, remote map[string]any, strategy Strategy) Resolution {
	if strategy == "" {
		strategy = LastWriteWins
	}
	res := r.decide(local, remote, strategy)
	res.FieldConflicts = diff(local, remote)

	r.mu.Lock()
	r.log = append(r.log, logEntry{EntityType: entityType, EntityID: entityID, Strategy: strategy, Resolution: res, At: time.Now().UTC()})
	if len(r.log) > maxLog {
		r.log = r.log[len(r.log)-maxLog:]
	}
	r.mu.Unlock()

	r.publish(bus.ConflictResolvedEvent{EntityType: entityType, EntityID: entityID, Strategy: string(strategy), Winner: string(res.Winner)})
	return res
}

func (r *Resolver) decide(local, remote map[string]any, strategy Strategy) Resolution {
	switch strategy {
	case PreferLocal:
		return Resolution{Winner: WinnerLocal, Reason: "prefer-local strategy"}
	case PreferRemote:
		return Resolution{Winner: WinnerRemote, Reason: "prefer-remote strategy"}
	case FirstWriteWins:
		lc, lok := parseTime(local["created_at"])
		rc, rok := parseTime(remote["created_at"])
		switch {
		case !lok && !rok:
			return Resolution{Winner: WinnerLocal, Reason: "both created_at missing, defaulting to local"}
		case !rok:
			return Resolution{Winner: WinnerLocal, Reason: "remote created_at missing"}
		case !lok:
			return Resolution{Winner: WinnerRemote, Reason: "local created_at missing"}
		case lc.Before(rc):
			return Resolution{Winner: WinnerLocal, Reason: "local created first"}
		case rc.Before(lc):
			return Resolution{Winner: WinnerRemote, Reason: "remote created first"}
		default:
			return Resolution{Winner: WinnerLocal, Reason: "created_at tie, defaulting to local"}
		}
	default:
		return r.decideLastWriteWins(local, remote)
	}
}

// decideLastWriteWins implements spec.md §4.10's deletion-aware decision
// tree: a deleted side only loses to the other if that other side was
// genuinely updated after the deletion (a resurrection), never merely
// because its updated_at happens to be later.
func (r *Resolver) decideLastWriteWins(local, remote map[string]any) Resolution {
	lDel, lDelOK := parseTime(local["deleted_at"])
	rDel, rDelOK := parseTime(remote["deleted_at"])
	lUpd, lUpdOK := parseTime(local["updated_at"])
	rUpd, rUpdOK := parseTime(remote["updated_at"])

	switch {
	case lDelOK && rDelOK:
		if rDel.After(lDel) {
			return Resolution{Winner: WinnerRemote, Reason: "both deleted, remote deletion is newer"}
		}
		return Resolution{Winner: WinnerLocal, Reason: "both deleted, local deletion is newer or tied"}

	case lDelOK && !rDelOK:
		if !rUpdOK || !lDel.Before(rUpd) {
			return Resolution{Winner: WinnerLocal, Reason: "local deletion confirmed (no later remote update)"}
		}
		r.logger.Warn("conflict_resurrection", "side", "remote")
		return Resolution{Winner: WinnerRemote, Reason: "remote updated after local deletion (resurrection)"}

	case rDelOK && !lDelOK:
		if !lUpdOK || !rDel.Before(lUpd) {
			return Resolution{Winner: WinnerRemote, Reason: "remote deletion confirmed (no later local update)"}
		}
		r.logger.Warn("conflict_resurrection", "side", "local")
		return Resolution{Winner: WinnerLocal, Reason: "local updated after remote deletion (resurrection)"}
	}

	switch {
	case !lUpdOK && !rUpdOK:
		return Resolution{Winner: WinnerLocal, Reason: "both updated_at missing, defaulting to local"}
	case !rUpdOK:
		return Resolution{Winner: WinnerLocal, Reason: "remote updated_at missing"}
	case !lUpdOK:
		return Resolution{Winner: WinnerRemote, Reason: "local updated_at missing"}
	case lUpd.Equal(rUpd):
		return Resolution{Winner: WinnerLocal, Reason: "updated_at tie, defaulting to local"}
	case rUpd.After(lUpd):
		return Resolution{Winner: WinnerRemote, Reason: "remote updated_at is newer"}
	default:
		return Resolution{Winner: WinnerLocal, Reason: "local updated_at is newer"}
	}
}

// diff reports every field (other than the ignored bookkeeping ones) whose
// value differs between local and remote, recording the winning side's
// value for each.
func diff(local, remote map[string]any) []FieldConflict {
	seen := make(map[string]bool)
	var out []FieldConflict
	for k := range local {
		seen[k] = true
	}
	for k := range remote {
		seen[k] = true
	}
	for field := range seen {
		if ignoredFields[field] {
			continue
		}
		lv, rv := local[field], remote[field]
		if reflect.DeepEqual(lv, rv) {
			continue
		}
		fc := FieldConflict{Field: field, Local: lv, Remote: rv}
		out = append(out, fc)
	}
	return out
}

// parseTime reads an RFC3339 timestamp out of a JSON-decoded map value
// (string, or nil/absent). ok is false if the field is absent, null, or
// unparseable.
func parseTime(v any) (time.Time, bool) {
	s, isStr := v.(string)
	if !isStr || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// RecentConflicts returns up to the last 1000 resolutions, oldest first,
// for operator diagnostics.
func (r *Resolver) RecentConflicts() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]logEntry, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Resolver) publish(payload any) {
	if r.bus != nil {
		r.bus.Publish(bus.TopicConflictResolved, payload)
	}
}
