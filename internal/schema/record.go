// Package schema provides the record and wire types for the ghsync cache.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AccountKind is the upstream account type of a record.
type AccountKind string

const (
	// KindIndividual is a personal account ("User" upstream).
	KindIndividual AccountKind = "User"
	// KindOrganization is an organization account.
	KindOrganization AccountKind = "Organization"
)

// Valid reports whether k is empty or one of the known kinds.
func (k AccountKind) Valid() bool {
	switch k {
	case "", KindIndividual, KindOrganization:
		return true
	default:
		return false
	}
}

// String returns a human-readable representation of the kind.
func (k AccountKind) String() string {
	switch k {
	case KindIndividual:
		return "individual"
	case KindOrganization:
		return "organization"
	default:
		return "unknown"
	}
}

// Record is a persisted user entity.
//
// List fetches populate the identity fields (ID, Login, AvatarURL, Kind).
// Detail fields are only present after a detail fetch, at which point Viewed
// becomes true and stays true. Note is only ever written locally.
type Record struct {
	// ===== Identity (list + detail) =====
	ID        int64       `json:"id" yaml:"id"`
	Login     string      `json:"login,omitempty" yaml:"login,omitempty"`
	AvatarURL string      `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	Kind      AccountKind `json:"type,omitempty" yaml:"type,omitempty"`

	// ===== Detail only =====
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Company     string `json:"company,omitempty" yaml:"company,omitempty"`
	Blog        string `json:"blog,omitempty" yaml:"blog,omitempty"`
	PublicRepos int    `json:"public_repos,omitempty" yaml:"public_repos,omitempty"`
	Following   int    `json:"following,omitempty" yaml:"following,omitempty"`

	// ===== Local state =====
	Note   string `json:"note,omitempty" yaml:"note,omitempty"`
	Viewed bool   `json:"viewed" yaml:"viewed"`
}

// Validate checks that the record can be stored.
func (r *Record) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", r.ID)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown account type %q", r.Kind)
	}
	if r.PublicRepos < 0 || r.Following < 0 {
		return fmt.Errorf("counts must not be negative")
	}
	return nil
}

// HasNote reports whether the record carries a user-authored note.
func (r *Record) HasNote() bool {
	return strings.TrimSpace(r.Note) != ""
}

// ListElement is one element of the upstream users list response.
type ListElement struct {
	ID        int64       `json:"id"`
	Login     string      `json:"login"`
	AvatarURL string      `json:"avatar_url"`
	Kind      AccountKind `json:"type"`
}

// ToRecord converts the list element into a record carrying identity fields only.
func (e ListElement) ToRecord() Record {
	return Record{
		ID:        e.ID,
		Login:     e.Login,
		AvatarURL: e.AvatarURL,
		Kind:      e.Kind,
	}
}

// Detail is the upstream single-user response.
type Detail struct {
	ID          int64       `json:"id"`
	Login       string      `json:"login"`
	AvatarURL   string      `json:"avatar_url"`
	Kind        AccountKind `json:"type"`
	Name        *string     `json:"name"`
	Company     *string     `json:"company"`
	Blog        *string     `json:"blog"`
	PublicRepos *int        `json:"public_repos"`
	Following   *int        `json:"following"`
}

// ToRecord converts the detail response into a viewed record.
// Absent optional fields become zero values.
func (d Detail) ToRecord() Record {
	rec := Record{
		ID:        d.ID,
		Login:     d.Login,
		AvatarURL: d.AvatarURL,
		Kind:      d.Kind,
		Viewed:    true,
	}
	if d.Name != nil {
		rec.Name = *d.Name
	}
	if d.Company != nil {
		rec.Company = *d.Company
	}
	if d.Blog != nil {
		rec.Blog = *d.Blog
	}
	if d.PublicRepos != nil {
		rec.PublicRepos = *d.PublicRepos
	}
	if d.Following != nil {
		rec.Following = *d.Following
	}
	return rec
}

// DecodeList parses a users list response body.
// Elements that fail validation are rejected as a whole response.
func DecodeList(data []byte) ([]Record, error) {
	var elems []ListElement
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("failed to parse users list: %w", err)
	}

	records := make([]Record, 0, len(elems))
	for i, e := range elems {
		rec := e.ToRecord()
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid user at index %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeDetail parses a single-user response body.
func DecodeDetail(data []byte) (Record, error) {
	var d Detail
	if err := json.Unmarshal(data, &d); err != nil {
		return Record{}, fmt.Errorf("failed to parse user details: %w", err)
	}

	rec := d.ToRecord()
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid user details: %w", err)
	}
	return rec, nil
}
