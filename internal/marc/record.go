// Package marc provides MARC21 record normalization for OAI-PMH harvests.
// Raw record XML is parsed into a fixed, order-preserving structure; bad
// field data is replaced with the "ERROR" sentinel and reported as a warning
// instead of failing the record.
package marc

// Sentinel substituted for unparsable tags, indicators and subfield codes.
const Sentinel = "ERROR"

// Subfield is one (code, value) pair inside a data field occurrence.
// Codes are not unique within an occurrence.
type Subfield struct {
	Code  string `json:"code"`
	Value string `json:"value"`
}

// ControlField is a fixed-tag scalar field (tags 001-009).
type ControlField struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// DataField is one occurrence of a variable field: two one-character
// indicators plus an ordered subfield sequence.
type DataField struct {
	Tag       string     `json:"tag"`
	Ind1      string     `json:"ind1"`
	Ind2      string     `json:"ind2"`
	Subfields []Subfield `json:"sub"`
}

// Record is a normalized MARC21 bibliographic record. Field order is
// preserved from the source document: order carries bibliographic meaning,
// so two records with the same fields in a different order are not equal.
type Record struct {
	Leader   string         `json:"leader"`
	Controls []ControlField `json:"controls"`
	Fields   []DataField    `json:"fields"`
}

// Control returns the value of the first control field with the given tag.
func (r *Record) Control(tag string) (string, bool) {
	for _, c := range r.Controls {
		if c.Tag == tag {
			return c.Value, true
		}
	}
	return "", false
}

// occurrences returns all data field occurrences with the given tag, in order.
func (r *Record) occurrences(tag string) []DataField {
	var out []DataField
	for _, f := range r.Fields {
		if f.Tag == tag {
			out = append(out, f)
		}
	}
	return out
}

// Equal reports field-for-field equality. The comparison is order-sensitive
// for both field occurrences and subfields.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Leader != other.Leader {
		return false
	}
	if len(r.Controls) != len(other.Controls) {
		return false
	}
	for i, c := range r.Controls {
		if c != other.Controls[i] {
			return false
		}
	}
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for i, f := range r.Fields {
		g := other.Fields[i]
		if f.Tag != g.Tag || f.Ind1 != g.Ind1 || f.Ind2 != g.Ind2 {
			return false
		}
		if len(f.Subfields) != len(g.Subfields) {
			return false
		}
		for j, s := range f.Subfields {
			if s != g.Subfields[j] {
				return false
			}
		}
	}
	return true
}

// ResourceType derives the bibliographic resource type from leader positions
// 6 and 7, using control field 008 position 21 to split journals from
// series. A short leader or missing 008 yields the sentinel plus a warning.
func (r *Record) ResourceType() (string, []string) {
	if len(r.Leader) < 10 {
		return Sentinel, []string{"leader too short for resource type"}
	}
	cf008, ok := r.Control("008")
	if !ok || len(cf008) < 22 {
		return Sentinel, []string{"control field 008 missing or too short"}
	}

	pos6 := r.Leader[6]
	pos7 := r.Leader[7]

	switch {
	case pos6 == 'a':
		switch {
		case indexByte("acdm", pos7):
			return "Book", nil
		case indexByte("bis", pos7):
			if indexByte("pn", cf008[21]) {
				return "Journal", nil
			}
			return "Series", nil
		}
	case pos6 == 'c':
		return "Notated Music", nil
	case indexByte("ij", pos6):
		return "Audio", nil
	case indexByte("ef", pos6):
		return "Map", nil
	case indexByte("dt", pos6):
		return "Manuscript", nil
	case pos6 == 'k':
		return "Image", nil
	case indexByte("ro", pos6):
		return "Object", nil
	case pos6 == 'g':
		return "Video", nil
	case pos6 == 'p':
		return "Mixed Material", nil
	}
	return "Other", nil
}

// AccessType derives how the resource is accessed: "O" online, "M"
// microform, "B" braille, "P" print. Positions 23/29 of control field 008
// (29 for visual material and maps) and carrier subfields of tags 336/338
// decide the outcome.
func (r *Record) AccessType() (string, []string) {
	if len(r.Leader) < 10 {
		return Sentinel, []string{"leader too short for access type"}
	}
	cf008, ok := r.Control("008")
	if !ok || len(cf008) < 23 {
		return Sentinel, []string{"control field 008 missing or too short"}
	}

	switch {
	case r.isMicroform(cf008):
		return "M", nil
	case r.isOnline(cf008):
		return "O", nil
	case r.isBraille(cf008):
		return "B", nil
	}
	return "P", nil
}

func (r *Record) formPosition() int {
	if len(r.Leader) > 6 && indexByte("egkor", r.Leader[6]) {
		return 29
	}
	return 23
}

func (r *Record) isOnline(cf008 string) bool {
	for _, f := range r.occurrences("338") {
		for _, s := range f.Subfields {
			if s.Code == "b" && s.Value == "cr" {
				return true
			}
		}
	}
	if pos := r.formPosition(); len(cf008) > pos {
		return indexByte("oqs", cf008[pos])
	}
	return false
}

func (r *Record) isMicroform(cf008 string) bool {
	for _, f := range r.occurrences("338") {
		for _, s := range f.Subfields {
			if s.Code == "b" && len(s.Value) > 0 && s.Value[0] == 'h' {
				return true
			}
		}
	}
	if pos := r.formPosition(); len(cf008) > pos {
		return indexByte("abc", cf008[pos])
	}
	return false
}

func (r *Record) isBraille(cf008 string) bool {
	for _, f := range r.occurrences("336") {
		for _, s := range f.Subfields {
			if s.Code == "b" && len(s.Value) >= 3 && s.Value[:3] == "tct" {
				return true
			}
		}
	}
	if pos := r.formPosition(); len(cf008) > pos {
		return cf008[pos] == 'f'
	}
	return false
}

func indexByte(set string, b byte) bool {
	for i := 0; i < len(set); i++ {
		if set[i] == b {
			return true
		}
	}
	return false
}
