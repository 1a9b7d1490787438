package scap

// CPE is the upstream product dictionary record.
type CPE struct {
	CPEName      string         `json:"cpeName" validate:"required"`
	CPENameID    string         `json:"cpeNameId" validate:"required"`
	Deprecated   bool           `json:"deprecated"`
	LastModified Timestamp      `json:"lastModified"`
	Created      Timestamp      `json:"created"`
	Titles       []CPETitle     `json:"titles,omitempty" validate:"dive"`
	Refs         []CPERef       `json:"refs,omitempty" validate:"dive"`
	DeprecatedBy []DeprecatedBy `json:"deprecatedBy,omitempty"`
}

// Title returns the English title, falling back to the first one.
func (c *CPE) Title() string {
	for _, t := range c.Titles {
		if t.Lang == "en" {
			return t.Title
		}
	}
	if len(c.Titles) > 0 {
		return c.Titles[0].Title
	}
	return ""
}

// CPETitle is a localized product title.
type CPETitle struct {
	Title string `json:"title"`
	Lang  string `json:"lang" validate:"required"`
}

// CPERef is an external link attached to a CPE.
type CPERef struct {
	Ref  string `json:"ref" validate:"required"`
	Type string `json:"type,omitempty"`
}

// DeprecatedBy names the CPE that replaced a deprecated one.
type DeprecatedBy struct {
	CPEName   string `json:"cpeName"`
	CPENameID string `json:"cpeNameId"`
}
