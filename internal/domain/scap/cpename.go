package scap

import (
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

const cpeComponentCount = 13

var (
	cveIDPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)
	cpe23Prefix  = regexp.MustCompile(`^cpe:2\.3:[aho*\-]:`)
)

// ValidCVEID reports whether id looks like CVE-YYYY-NNNN with four or more
// sequence digits.
func ValidCVEID(id string) bool { return cveIDPattern.MatchString(id) }

// CPEName is a parsed CPE 2.3 formatted string.
type CPEName struct {
	Part      string
	Vendor    string
	Product   string
	Version   string
	Update    string
	Edition   string
	Language  string
	SWEdition string
	TargetSW  string
	TargetHW  string
	Other     string
}

// ParseCPEName splits a CPE 2.3 formatted string into its attributes.
// Backslash-escaped colons stay inside their component.
func ParseCPEName(s string) (CPEName, error) {
	if !cpe23Prefix.MatchString(s) {
		return CPEName{}, fmt.Errorf("%q is not a cpe 2.3 formatted string", s)
	}
	parts := splitUnescaped(s, ':')
	if len(parts) != cpeComponentCount {
		return CPEName{}, fmt.Errorf("%q has %d components, want %d", s, len(parts), cpeComponentCount)
	}
	return CPEName{
		Part:      parts[2],
		Vendor:    parts[3],
		Product:   parts[4],
		Version:   parts[5],
		Update:    parts[6],
		Edition:   parts[7],
		Language:  parts[8],
		SWEdition: parts[9],
		TargetSW:  parts[10],
		TargetHW:  parts[11],
		Other:     parts[12],
	}, nil
}

func (n CPEName) String() string {
	return strings.Join([]string{
		"cpe", "2.3", n.Part, n.Vendor, n.Product, n.Version, n.Update, n.Edition,
		n.Language, n.SWEdition, n.TargetSW, n.TargetHW, n.Other,
	}, ":")
}

func splitUnescaped(s string, sep byte) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			cur.WriteByte(c)
			cur.WriteByte(s[i+1])
			i++
			continue
		}
		if c == sep {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	return append(parts, cur.String())
}
