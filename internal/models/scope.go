package models

import (
	"net/url"
	"strings"
)

const (
	keyRoot            = "acct/"
	noHousehold        = "-"
	writesSegment      = "w/"
	checkpointsSegment = "cp/"
	identitySegment    = "id/"
)

// Scope identifies one signed-in account; one queue exists per scope.
type Scope struct {
	UserID      string `json:"user_id" yaml:"user_id"`
	HouseholdID string `json:"household_id,omitempty" yaml:"household_id"`
}

func (s Scope) String() string {
	if s.HouseholdID == "" {
		return s.UserID
	}
	return s.UserID + "/" + s.HouseholdID
}

// Prefix is the key prefix under which every record of the scope is stored.
func (s Scope) Prefix() string {
	household := noHousehold
	if s.HouseholdID != "" {
		household = url.PathEscape(s.HouseholdID)
	}
	return keyRoot + url.PathEscape(s.UserID) + "/" + household + "/"
}

func (s Scope) WritesPrefix() string      { return s.Prefix() + writesSegment }
func (s Scope) CheckpointsPrefix() string { return s.Prefix() + checkpointsSegment }
func (s Scope) IdentityPrefix() string    { return s.Prefix() + identitySegment }

func (s Scope) WriteKey(id string) string {
	return s.WritesPrefix() + url.PathEscape(id)
}

func (s Scope) CheckpointKey(checkpointID string) string {
	return s.CheckpointsPrefix() + url.PathEscape(checkpointID)
}

func (s Scope) IdentityKey(localID string) string {
	return s.IdentityPrefix() + url.PathEscape(localID)
}

// Valid reports whether the scope names a user.
func (s Scope) Valid() bool {
	return strings.TrimSpace(s.UserID) != ""
}
