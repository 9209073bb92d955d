package storage

import (
	"time"
)

// Scope says whether a restriction targets a user or a whole community.
type Scope int8

const (
	ScopeUser Scope = iota + 1
	ScopeCommunity
)

// String returns the lowercase scope name.
func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeCommunity:
		return "community"
	default:
		return "unknown"
	}
}

// Restriction is an access restriction for a single snowflake.
type Restriction struct {
	Snowflake int64
	Reason    string
	ExpiresAt time.Time // zero = permanent
	Scope     Scope
	CreatedAt time.Time
}

// Expired reports whether the restriction has lapsed as of now (UTC).
func (r Restriction) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.UTC().After(r.ExpiresAt.UTC())
}

// Incident is a persisted record of an unexpected command failure.
// CommunityID is zero when the failure happened outside a community.
type Incident struct {
	ID          uint64
	Command     string
	UserID      int64
	CommunityID int64
	Signature   string
	FullTrace   string
	OriginURL   string
	OccurredAt  time.Time
	Fixed       bool
}

// Store is the persistence interface for the recovery layer.
type Store interface {
	// Restriction operations
	RestrictionGet(snowflake int64) (*Restriction, error)
	RestrictionPut(r Restriction) error
	RestrictionDelete(snowflake int64) error
	RestrictionList() (map[int64]Restriction, error)

	// Incident operations
	// IncidentFindOpen returns the unfixed incident matching (command, signature), or nil.
	IncidentFindOpen(command, signature string) (*Incident, error)
	// IncidentInsert assigns the ID and returns the stored row.
	IncidentInsert(inc Incident) (Incident, error)
	IncidentGet(id uint64) (*Incident, error)
	IncidentList() ([]Incident, error)
	// IncidentMarkFixed returns found=false if no such incident exists.
	IncidentMarkFixed(id uint64) (bool, error)

	// Watch operations
	WatchAdd(incidentID uint64, userID int64) error
	WatchExists(incidentID uint64, userID int64) (bool, error)
	WatchRemove(incidentID uint64, userID int64) error
	WatchList(incidentID uint64) ([]int64, error)
	WatchDeleteAll(incidentID uint64) error

	// Janitor helpers
	PruneExpiredRestrictions() (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
