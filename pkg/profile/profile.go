// Package profile manages per-user autonomy: the 0-4 trust level that
// scopes what an agent may do unsupervised, plus per-action-type and
// soft-constraint overrides.
package profile

import (
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// Autonomy level bounds. Level 0 is fully supervised; level 4 is maximal
// unsupervised scope. The default for a user we have never seen is 2.
const (
	MinLevel     = 0
	MaxLevel     = 4
	DefaultLevel = 2
)

// Profile is a user's autonomy configuration. Instances handed out by the
// Store are snapshots: mutate only through Store setters, which persist and
// swap in a fresh copy.
type Profile struct {
	UserID string `json:"user_id"`
	Level  int    `json:"level"`

	// ActionOverrides enables or disables individual action types
	// regardless of the level default.
	ActionOverrides map[contracts.ActionType]bool `json:"action_overrides,omitempty"`

	// SoftOverrides disables overridable soft constraints by rule ID.
	SoftOverrides map[string]bool `json:"soft_overrides,omitempty"`

	// Attributes carries user facts constraint predicates read, e.g.
	// approved_contacts.
	Attributes map[string]any `json:"attributes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// defaultEnabledAt is the level at which each built-in action type becomes
// enabled without an explicit override. Payment is absent on purpose: it is
// never enabled by default (and the no-spend hard rule blocks it anyway).
var defaultEnabledAt = map[contracts.ActionType]int{
	contracts.ActionCalendarModification: 1,
	contracts.ActionMessageSend:          2,
	contracts.ActionDataDeletion:         3,
}

// Enabled reports whether the profile permits actions of type t:
// the level-default set adjusted by per-type overrides.
func (p *Profile) Enabled(t contracts.ActionType) bool {
	if v, ok := p.ActionOverrides[t]; ok {
		return v
	}
	if min, ok := defaultEnabledAt[t]; ok {
		return p.Level >= min
	}
	// Unknown or integration-registered types need full trust.
	return p.Level >= MaxLevel
}

// EnabledActionTypes returns the built-in types the profile permits.
func (p *Profile) EnabledActionTypes() []contracts.ActionType {
	all := []contracts.ActionType{
		contracts.ActionCalendarModification,
		contracts.ActionMessageSend,
		contracts.ActionDataDeletion,
		contracts.ActionPayment,
	}
	var enabled []contracts.ActionType
	for _, t := range all {
		if p.Enabled(t) {
			enabled = append(enabled, t)
		}
	}
	return enabled
}

// Clone returns a deep copy. The store hands out clones so readers can
// never observe a concurrent update mid-flight.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.ActionOverrides = cloneMap(p.ActionOverrides)
	cp.SoftOverrides = cloneMap(p.SoftOverrides)
	cp.Attributes = cloneMap(p.Attributes)
	return &cp
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func defaultProfile(userID string, now time.Time) *Profile {
	return &Profile{
		UserID:    userID,
		Level:     DefaultLevel,
		UpdatedAt: now.UTC(),
	}
}
