package scap

import (
	"encoding/json"
	"time"
)

// Page is one upstream response for a window at a given offset. Records are
// kept raw so a single malformed record can be rejected on its own.
type Page struct {
	Window         SyncWindow
	StartIndex     int
	ResultsPerPage int
	TotalResults   int
	Format         string
	Version        string
	Timestamp      time.Time
	Records        []json.RawMessage
}

// Empty reports whether the page carried no records, which always ends a
// window's stream.
func (p Page) Empty() bool { return len(p.Records) == 0 }

// NextIndex is the offset of the record following this page.
func (p Page) NextIndex() int { return p.StartIndex + len(p.Records) }

// Revision is the upstream schema marker stored with every record.
func (p Page) Revision() string {
	switch {
	case p.Format == "" && p.Version == "":
		return ""
	case p.Version == "":
		return p.Format
	default:
		return p.Format + "/" + p.Version
	}
}
