// Package tenant holds the identifiers and view types shared by every
// adapter and service: the tenant id, id_tag shape, and the cached
// Profile view. These are data-model primitives (spec §3), not a
// service of their own.
package tenant

import (
	"regexp"
	"time"
)

// TnId is a tenant's local numeric id. 0 denotes the global scope used
// by settings and a handful of tenant-less lookups.
type TnId int64

// IsGlobal reports whether this id denotes the global (tn_id=0) scope.
func (t TnId) IsGlobal() bool { return t == 0 }

// idTagPattern matches spec §6: a hostname-shaped global identifier.
var idTagPattern = regexp.MustCompile(`^[a-z0-9-][a-z0-9.-]{3,60}[a-z0-9-]$`)

// ValidIdTag reports whether s has the shape required of an id_tag.
func ValidIdTag(s string) bool {
	return idTagPattern.MatchString(s)
}

// ConnState is the connection status of a profile relative to the local
// tenant.
type ConnState string

const (
	Disconnected   ConnState = "Disconnected"
	RequestPending ConnState = "RequestPending"
	Connected      ConnState = "Connected"
)

// ProfileType distinguishes a person from a community identity.
type ProfileType string

const (
	Person    ProfileType = "Person"
	Community ProfileType = "Community"
)

// ConnectionMode is the per-profile policy applied to an inbound CONN
// request (spec §4.H.6).
type ConnectionMode string

const (
	ConnModeIgnore     ConnectionMode = "I"
	ConnModeAutoAccept ConnectionMode = "A"
	ConnModeConfirm    ConnectionMode = "_"
)

// Roles is the literal role-hierarchy constant used for tenant-owner
// ABAC bootstrap decisions (spec §9 open question: treated here as a
// bootstrap convenience, not a canonical ABAC ordering).
var Roles = []string{"public", "follower", "supporter", "contributor", "moderator", "leader"}

// Profile is a cached view of a remote or local identity within a
// tenant's scope (spec §3).
type Profile struct {
	TnId        TnId
	IdTag       string
	Name        string
	Type        ProfileType
	ProfilePic  string
	Following   bool
	Connected   ConnState
	Roles       []string
	Status      string
	ConnMode    ConnectionMode
	Etag        string
	SyncedAt    time.Time
}

// Stale reports whether the cached profile should be refreshed, given a
// configured maximum age.
func (p *Profile) Stale(maxAge time.Duration) bool {
	return time.Since(p.SyncedAt) > maxAge
}
