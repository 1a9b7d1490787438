package scap

import "strings"

// CPEMatchString is the upstream match criteria record: a CPE pattern with an
// optional version range, plus the concrete CPE names it currently resolves to.
type CPEMatchString struct {
	MatchCriteriaID       string         `json:"matchCriteriaId" validate:"required"`
	Criteria              string         `json:"criteria" validate:"required"`
	VersionStartIncluding string         `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string         `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string         `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string         `json:"versionEndExcluding,omitempty"`
	Status                string         `json:"status" validate:"required"`
	LastModified          Timestamp      `json:"lastModified"`
	CPELastModified       Timestamp      `json:"cpeLastModified"`
	Created               Timestamp      `json:"created"`
	Matches               []CPEMatchName `json:"matches,omitempty" validate:"dive"`
}

// CPEMatchName is one CPE name resolved by a match string.
type CPEMatchName struct {
	CPEName   string `json:"cpeName" validate:"required"`
	CPENameID string `json:"cpeNameId" validate:"required"`
}

// Inactive reports whether upstream retired the match string.
func (m *CPEMatchString) Inactive() bool { return strings.EqualFold(m.Status, "Inactive") }

// Describe renders the criteria with its version bounds, for example
// "cpe:2.3:a:openssl:openssl:*:*:*:*:*:*:*:* >= 3.0.0 < 3.0.7".
func (m *CPEMatchString) Describe() string {
	var b strings.Builder
	b.WriteString(m.Criteria)
	bound := func(op, v string) {
		if v != "" {
			b.WriteString(" " + op + " " + v)
		}
	}
	bound(">=", m.VersionStartIncluding)
	bound(">", m.VersionStartExcluding)
	bound("<=", m.VersionEndIncluding)
	bound("<", m.VersionEndExcluding)
	return b.String()
}
