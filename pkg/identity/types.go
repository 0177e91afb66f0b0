// Package identity defines the canonical identity graph: identities, the
// per-season mappings that link source records to them, the review queue of
// candidate matches and the append-only audit trail of structural changes.
package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

// EntityKind is the kind of entity being resolved.
type EntityKind string

const (
	KindPlayer EntityKind = "player"
	KindTeam   EntityKind = "team"
)

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	return k == KindPlayer || k == KindTeam
}

// ParseEntityKind parses a kind name.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("entity kind %q: %w", s, cierrors.ErrValidation)
	}
	return k, nil
}

// LifecycleState names the variant held by a Lifecycle.
type LifecycleState string

const (
	StateActive  LifecycleState = "active"
	StateRetired LifecycleState = "retired"
)

// Lifecycle is either Active or Retired into another identity. The zero value
// is Active. Fields are unexported so a retired identity always carries the id
// it was merged into.
type Lifecycle struct {
	retired    bool
	mergedInto int64
}

// Active returns the active lifecycle.
func Active() Lifecycle {
	return Lifecycle{}
}

// RetiredInto returns a retired lifecycle pointing at id.
func RetiredInto(id int64) Lifecycle {
	return Lifecycle{retired: true, mergedInto: id}
}

// IsActive reports whether the identity is active.
func (l Lifecycle) IsActive() bool {
	return !l.retired
}

// MergedInto returns the surviving identity id when retired.
func (l Lifecycle) MergedInto() (int64, bool) {
	return l.mergedInto, l.retired
}

// State returns the variant name.
func (l Lifecycle) State() LifecycleState {
	if l.retired {
		return StateRetired
	}
	return StateActive
}

func (l Lifecycle) String() string {
	if l.retired {
		return fmt.Sprintf("retired(->%d)", l.mergedInto)
	}
	return string(StateActive)
}

type lifecycleJSON struct {
	State      LifecycleState `json:"state"`
	MergedInto *int64         `json:"merged_into,omitempty"`
}

// MarshalJSON encodes the lifecycle as {"state":..., "merged_into":...}.
func (l Lifecycle) MarshalJSON() ([]byte, error) {
	out := lifecycleJSON{State: l.State()}
	if l.retired {
		id := l.mergedInto
		out.MergedInto = &id
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (l *Lifecycle) UnmarshalJSON(data []byte) error {
	var in lifecycleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.State {
	case StateActive, "":
		*l = Active()
	case StateRetired:
		if in.MergedInto == nil {
			return fmt.Errorf("retired lifecycle without merged_into: %w", cierrors.ErrValidation)
		}
		*l = RetiredInto(*in.MergedInto)
	default:
		return fmt.Errorf("lifecycle state %q: %w", in.State, cierrors.ErrValidation)
	}
	return nil
}

// Identity is a stable cross-season entity.
type Identity struct {
	ID            int64      `json:"id"`
	Kind          EntityKind `json:"kind"`
	ScopeID       string     `json:"scope_id"`
	CanonicalName string     `json:"canonical_name"`
	Lifecycle     Lifecycle  `json:"lifecycle"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MappingKey identifies one source record. At most one Mapping exists per key.
type MappingKey struct {
	Kind     EntityKind `json:"kind"`
	SourceID int64      `json:"source_id"`
	Season   int        `json:"season"`
}

func (k MappingKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Kind, k.SourceID, k.Season)
}

// MappingMethod records how a mapping was established.
type MappingMethod string

const (
	MethodNew    MappingMethod = "new"    // record seeded a new identity
	MethodAuto   MappingMethod = "auto"   // auto-approved by the resolver
	MethodManual MappingMethod = "manual" // approved from the review queue
)

// Mapping links a source record to an identity. Only IdentityID changes after
// creation.
type Mapping struct {
	ID           int64         `json:"id"`
	Kind         EntityKind    `json:"kind"`
	SourceID     int64         `json:"source_id"`
	Season       int           `json:"season"`
	IdentityID   int64         `json:"identity_id"`
	ObservedName string        `json:"observed_name"`
	Position     string        `json:"position,omitempty"`
	TeamSourceID int64         `json:"team_source_id,omitempty"`
	Confidence   float64       `json:"confidence"`
	Method       MappingMethod `json:"method"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Key returns the mapping's source tuple.
func (m Mapping) Key() MappingKey {
	return MappingKey{Kind: m.Kind, SourceID: m.SourceID, Season: m.Season}
}

// CanonicalName picks the display name from a set of mappings: highest
// confidence first, then most recent season, then lowest mapping id.
func CanonicalName(mappings []Mapping) string {
	if len(mappings) == 0 {
		return ""
	}
	best := mappings[0]
	for _, m := range mappings[1:] {
		switch {
		case m.Confidence > best.Confidence:
			best = m
		case m.Confidence < best.Confidence:
		case m.Season > best.Season:
			best = m
		case m.Season == best.Season && m.ID < best.ID:
			best = m
		}
	}
	return best.ObservedName
}

// MappingIDs returns the sorted ids of mappings.
func MappingIDs(mappings []Mapping) []int64 {
	ids := make([]int64, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SourceRecord is one per-season, per-source record awaiting resolution.
// Position holds a player's position or a team's short code.
type SourceRecord struct {
	Kind         EntityKind `json:"kind"`
	SourceID     int64      `json:"source_id"`
	Season       int        `json:"season"`
	ScopeID      string     `json:"scope_id"`
	Name         string     `json:"name"`
	Position     string     `json:"position,omitempty"`
	TeamSourceID int64      `json:"team_source_id,omitempty"`
}

// Key returns the record's source tuple.
func (r SourceRecord) Key() MappingKey {
	return MappingKey{Kind: r.Kind, SourceID: r.SourceID, Season: r.Season}
}

// StatisticalProfile is the per-season performance summary supplied by the
// statistics provider. DraftPick and OwnershipPct are optional.
type StatisticalProfile struct {
	GamesPlayed   int      `json:"games_played"`
	TotalPoints   float64  `json:"total_points"`
	AveragePoints float64  `json:"average_points"`
	DraftPick     *int     `json:"draft_pick,omitempty"`
	OwnershipPct  *float64 `json:"ownership_pct,omitempty"`
}
