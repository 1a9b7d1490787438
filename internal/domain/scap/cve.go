package scap

// CVE is the upstream vulnerability record. Only the fields used for
// validation and indexing are decoded; the stored payload keeps the record
// exactly as received.
type CVE struct {
	ID               string    `json:"id" validate:"required"`
	SourceIdentifier string    `json:"sourceIdentifier"`
	Published        Timestamp `json:"published"`
	LastModified     Timestamp `json:"lastModified"`
	VulnStatus       string    `json:"vulnStatus"`

	EvaluatorComment  string `json:"evaluatorComment,omitempty"`
	EvaluatorSolution string `json:"evaluatorSolution,omitempty"`
	EvaluatorImpact   string `json:"evaluatorImpact,omitempty"`

	CISAExploitAdd        string `json:"cisaExploitAdd,omitempty"`
	CISAActionDue         string `json:"cisaActionDue,omitempty"`
	CISARequiredAction    string `json:"cisaRequiredAction,omitempty"`
	CISAVulnerabilityName string `json:"cisaVulnerabilityName,omitempty"`

	Descriptions   []LangString    `json:"descriptions" validate:"dive"`
	References     []Reference     `json:"references" validate:"dive"`
	Weaknesses     []Weakness      `json:"weaknesses,omitempty" validate:"dive"`
	Configurations []Configuration `json:"configurations,omitempty" validate:"dive"`
	VendorComments []VendorComment `json:"vendorComments,omitempty"`
	Metrics        *CVSSMetrics    `json:"metrics,omitempty"`
}

// Description returns the English description, falling back to the first one.
func (c *CVE) Description() string {
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(c.Descriptions) > 0 {
		return c.Descriptions[0].Value
	}
	return ""
}

// Rejected reports whether the upstream withdrew the CVE.
func (c *CVE) Rejected() bool { return c.VulnStatus == "Rejected" }

// LangString is a localized text value.
type LangString struct {
	Lang  string `json:"lang" validate:"required"`
	Value string `json:"value"`
}

// Reference is an external link attached to a CVE.
type Reference struct {
	URL    string   `json:"url" validate:"required"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Weakness links a CVE to CWE identifiers.
type Weakness struct {
	Source      string       `json:"source"`
	Type        string       `json:"type"`
	Description []LangString `json:"description" validate:"dive"`
}

// VendorComment is a statement by the affected vendor.
type VendorComment struct {
	Organization string    `json:"organization"`
	Comment      string    `json:"comment"`
	LastModified Timestamp `json:"lastModified"`
}

// Configuration is a boolean tree of CPE match criteria.
type Configuration struct {
	Operator string `json:"operator,omitempty"`
	Negate   bool   `json:"negate,omitempty"`
	Nodes    []Node `json:"nodes" validate:"dive"`
}

// Node groups CPE matches under an operator.
type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate"`
	CPEMatch []CPEMatch `json:"cpeMatch" validate:"dive"`
}

// CPEMatch is a single platform applicability criterion.
type CPEMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria" validate:"required"`
	MatchCriteriaID       string `json:"matchCriteriaId,omitempty"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
}

// CVSSMetrics holds the scores attached to a CVE.
type CVSSMetrics struct {
	V2  []CVSSMetricV2 `json:"cvssMetricV2,omitempty"`
	V30 []CVSSMetricV3 `json:"cvssMetricV30,omitempty"`
	V31 []CVSSMetricV3 `json:"cvssMetricV31,omitempty"`
}

// CVSSMetricV3 is a CVSS 3.x score.
type CVSSMetricV3 struct {
	Source              string     `json:"source"`
	Type                string     `json:"type"`
	CVSSData            CVSSDataV3 `json:"cvssData"`
	ExploitabilityScore float64    `json:"exploitabilityScore"`
	ImpactScore         float64    `json:"impactScore"`
}

// CVSSDataV3 is the CVSS 3.x vector and base score.
type CVSSDataV3 struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

// CVSSMetricV2 is a CVSS 2.0 score.
type CVSSMetricV2 struct {
	Source              string     `json:"source"`
	Type                string     `json:"type"`
	CVSSData            CVSSDataV2 `json:"cvssData"`
	BaseSeverity        string     `json:"baseSeverity"`
	ExploitabilityScore float64    `json:"exploitabilityScore"`
	ImpactScore         float64    `json:"impactScore"`
}

// CVSSDataV2 is the CVSS 2.0 vector and base score.
type CVSSDataV2 struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
}

// Severity returns the highest-fidelity base severity available, preferring
// CVSS 3.1 over 3.0 over 2.0.
func (m *CVSSMetrics) Severity() (string, float64) {
	if m == nil {
		return "", 0
	}
	for _, set := range [][]CVSSMetricV3{m.V31, m.V30} {
		if len(set) > 0 {
			return set[0].CVSSData.BaseSeverity, set[0].CVSSData.BaseScore
		}
	}
	if len(m.V2) > 0 {
		return m.V2[0].BaseSeverity, m.V2[0].CVSSData.BaseScore
	}
	return "", 0
}
