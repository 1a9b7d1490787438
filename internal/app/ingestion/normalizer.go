package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/logger"
)

// Normalizer turns raw upstream records into entities. Each record is
// checked on its own; a bad record is reported and dropped without
// affecting the rest of its page.
type Normalizer struct {
	validate *validator.Validate
	logger   *logger.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(log *logger.Logger) *Normalizer {
	return &Normalizer{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.With("component", "normalizer"),
	}
}

// Normalize converts every record of page. Within a page only the newest
// record per key is kept.
func (n *Normalizer) Normalize(ctx context.Context, page scap.Page) ([]scap.Entity, []*scap.ValidationError) {
	var (
		entities = make([]scap.Entity, 0, len(page.Records))
		invalid  []*scap.ValidationError
	)

	for i, raw := range page.Records {
		e, verr := n.normalizeRecord(page.Window.Type, i, raw)
		if verr != nil {
			n.logger.Warn(ctx, "skipping invalid record",
				"entity_type", page.Window.Type,
				"key", verr.Key,
				"start_index", page.StartIndex,
				"index", i,
				"field", verr.Field,
				"reason", verr.Reason,
			)
			invalid = append(invalid, verr)
			continue
		}
		e.Revision = page.Revision()
		entities = append(entities, e)
	}

	return scap.DedupeNewest(entities), invalid
}

func (n *Normalizer) normalizeRecord(t scap.EntityType, idx int, raw json.RawMessage) (scap.Entity, *scap.ValidationError) {
	fail := func(key, field, reason string) *scap.ValidationError {
		return &scap.ValidationError{Type: t, Key: key, Index: idx, Field: field, Reason: reason}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return scap.Entity{}, fail("", "", fmt.Sprintf("malformed json: %v", err))
	}
	payload := json.RawMessage(compact.Bytes())

	// PostgreSQL rejects NUL in both TEXT and JSONB columns, which would fail
	// the whole batch on every run.
	if containsNUL(payload) {
		return scap.Entity{}, fail(gjson.GetBytes(payload, keyPath(t)).String(), "", "contains a NUL character")
	}

	switch t {
	case scap.EntityTypeCVE:
		return n.normalizeCVE(payload, fail)
	case scap.EntityTypeCPE:
		return n.normalizeCPE(payload, fail)
	case scap.EntityTypeCPEMatch:
		return n.normalizeCPEMatch(payload, fail)
	default:
		return scap.Entity{}, fail("", "", fmt.Sprintf("unsupported entity type %q", t))
	}
}

type failFn func(key, field, reason string) *scap.ValidationError

func (n *Normalizer) normalizeCVE(payload json.RawMessage, fail failFn) (scap.Entity, *scap.ValidationError) {
	key := gjson.GetBytes(payload, keyPath(scap.EntityTypeCVE)).String()

	var c scap.CVE
	if err := json.Unmarshal(payload, &c); err != nil {
		return scap.Entity{}, fail(key, "", fmt.Sprintf("undecodable record: %v", err))
	}
	if field, reason, ok := n.structErr(c); !ok {
		return scap.Entity{}, fail(key, field, reason)
	}
	if !scap.ValidCVEID(c.ID) {
		return scap.Entity{}, fail(key, "id", "not a CVE identifier")
	}
	if c.LastModified.IsZero() {
		return scap.Entity{}, fail(key, "lastModified", "required")
	}

	return scap.Entity{
		Type:         scap.EntityTypeCVE,
		Key:          c.ID,
		LastModified: c.LastModified.Time,
		Published:    c.Published.Time,
		Summary:      c.Description(),
		Deprecated:   c.Rejected(),
		Payload:      payload,
	}, nil
}

func (n *Normalizer) normalizeCPE(payload json.RawMessage, fail failFn) (scap.Entity, *scap.ValidationError) {
	key := gjson.GetBytes(payload, keyPath(scap.EntityTypeCPE)).String()

	var c scap.CPE
	if err := json.Unmarshal(payload, &c); err != nil {
		return scap.Entity{}, fail(key, "", fmt.Sprintf("undecodable record: %v", err))
	}
	if field, reason, ok := n.structErr(c); !ok {
		return scap.Entity{}, fail(key, field, reason)
	}
	if _, err := scap.ParseCPEName(c.CPEName); err != nil {
		return scap.Entity{}, fail(key, "cpeName", err.Error())
	}
	if _, err := uuid.Parse(c.CPENameID); err != nil {
		return scap.Entity{}, fail(key, "cpeNameId", "not a uuid")
	}
	if c.LastModified.IsZero() {
		return scap.Entity{}, fail(key, "lastModified", "required")
	}

	return scap.Entity{
		Type:         scap.EntityTypeCPE,
		Key:          c.CPEName,
		LastModified: c.LastModified.Time,
		Published:    c.Created.Time,
		Summary:      c.Title(),
		Deprecated:   c.Deprecated,
		Payload:      payload,
	}, nil
}

func (n *Normalizer) normalizeCPEMatch(payload json.RawMessage, fail failFn) (scap.Entity, *scap.ValidationError) {
	key := gjson.GetBytes(payload, keyPath(scap.EntityTypeCPEMatch)).String()

	var m scap.CPEMatchString
	if err := json.Unmarshal(payload, &m); err != nil {
		return scap.Entity{}, fail(key, "", fmt.Sprintf("undecodable record: %v", err))
	}
	if field, reason, ok := n.structErr(m); !ok {
		return scap.Entity{}, fail(key, field, reason)
	}
	if _, err := uuid.Parse(m.MatchCriteriaID); err != nil {
		return scap.Entity{}, fail(key, "matchCriteriaId", "not a uuid")
	}
	if _, err := scap.ParseCPEName(m.Criteria); err != nil {
		return scap.Entity{}, fail(key, "criteria", err.Error())
	}
	if m.LastModified.IsZero() {
		return scap.Entity{}, fail(key, "lastModified", "required")
	}

	return scap.Entity{
		Type:         scap.EntityTypeCPEMatch,
		Key:          m.MatchCriteriaID,
		LastModified: m.LastModified.Time,
		Published:    m.Created.Time,
		Summary:      m.Describe(),
		Deprecated:   m.Inactive(),
		Payload:      payload,
	}, nil
}

// keyPath is the JSON path of the natural key of a t record.
func keyPath(t scap.EntityType) string {
	switch t {
	case scap.EntityTypeCPE:
		return "cpeName"
	case scap.EntityTypeCPEMatch:
		return "matchCriteriaId"
	default:
		return "id"
	}
}

// containsNUL reports whether compacted JSON holds a \u0000 escape. Valid
// JSON cannot carry a raw NUL byte, so the escape is the only spelling. An
// escape preceded by an odd number of backslashes is literal text.
func containsNUL(b []byte) bool {
	esc := []byte(`\u0000`)
	for off := 0; ; {
		i := bytes.Index(b[off:], esc)
		if i < 0 {
			return false
		}
		i += off
		slashes := 0
		for j := i - 1; j >= 0 && b[j] == '\\'; j-- {
			slashes++
		}
		if slashes%2 == 0 {
			return true
		}
		off = i + len(esc)
	}
}

// structErr runs tag validation and reports the first failing field.
func (n *Normalizer) structErr(v any) (field, reason string, ok bool) {
	err := n.validate.Struct(v)
	if err == nil {
		return "", "", true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Namespace(), verrs[0].Tag(), false
	}
	return "", err.Error(), false
}
