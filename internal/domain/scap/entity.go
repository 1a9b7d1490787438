// Package scap holds the domain model for synchronizing vulnerability (CVE),
// platform (CPE) and CPE match string records from the upstream feed into
// local storage.
package scap

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityType identifies which upstream collection a record belongs to. Each
// type has its own checkpoint, its own table and its own pipeline.
type EntityType string

const (
	EntityTypeCVE      EntityType = "cve"
	EntityTypeCPE      EntityType = "cpe"
	EntityTypeCPEMatch EntityType = "cpematch"
)

// EntityTypes lists every synchronized collection in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityTypeCVE, EntityTypeCPE, EntityTypeCPEMatch}
}

func (t EntityType) String() string { return string(t) }

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeCVE, EntityTypeCPE, EntityTypeCPEMatch:
		return true
	default:
		return false
	}
}

// ParseEntityType converts user input such as "CVE" or "cpe" into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ConfigurationError{Field: "entity_type", Err: fmt.Errorf("unknown entity type %q", s)}
	}
	return t, nil
}

// Entity is a normalized record ready to be merged into storage. Key is the
// natural key (CVE ID, CPE 2.3 name or match criteria id) and LastModified is the upstream
// modification timestamp that decides whether a stored copy gets replaced.
type Entity struct {
	Type         EntityType
	Key          string
	LastModified time.Time
	// Published is the CVE publication time or the CPE and match string
	// creation time.
	Published  time.Time
	Revision   string
	Summary    string
	Deprecated bool
	// Payload is the compacted upstream record.
	Payload json.RawMessage
}

// Supersedes reports whether e should overwrite stored. Equal timestamps
// never overwrite, which keeps replays of the same page idempotent.
func (e Entity) Supersedes(stored Entity) bool { return e.LastModified.After(stored.LastModified) }

// DedupeNewest keeps, for every key, the entity with the latest LastModified.
// The first occurrence's position is preserved.
func DedupeNewest(entities []Entity) []Entity {
	idx := make(map[string]int, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if i, ok := idx[e.Key]; ok {
			if e.Supersedes(out[i]) {
				out[i] = e
			}
			continue
		}
		idx[e.Key] = len(out)
		out = append(out, e)
	}
	return out
}

// UpsertResult summarizes one batch merge.
type UpsertResult struct {
	// Applied counts records inserted or overwritten.
	Applied int
	// Unchanged counts records skipped because storage already held an
	// equal or newer copy.
	Unchanged   int
	AppliedKeys []string
}

// Merge accumulates o into r.
func (r *UpsertResult) Merge(o UpsertResult) {
	r.Applied += o.Applied
	r.Unchanged += o.Unchanged
	r.AppliedKeys = append(r.AppliedKeys, o.AppliedKeys...)
}

// SearchQuery describes a read-only lookup against stored records.
type SearchQuery struct {
	Type EntityType
	// Term is matched against the key, and for non-exact searches also
	// against the summary.
	Term              string
	Exact             bool
	IncludeDeprecated bool
	Limit             int
}
