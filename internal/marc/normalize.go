package marc

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bibnet/marcsync/internal/diag"
)

// Bib is one harvested record with its OAI envelope: the normalized MARC
// content plus the identifiers, timestamps and flags needed for
// synchronization. Deletion notices carry no Record.
type Bib struct {
	MMSID      string
	PDate      time.Time
	CDate      *time.Time
	UDate      *time.Time
	Suppressed bool
	Deleted    bool
	Record     *Record
}

const oaiDatestampLayout = "2006-01-02T15:04:05Z"

var (
	tagRe        = regexp.MustCompile(`^[0-9]{3}$`)
	indicatorRe  = regexp.MustCompile(`^[a-zA-Z0-9 ]$`)
	subfieldRe   = regexp.MustCompile(`^(?:[a-zA-Z0-9]|n\d)$`)
	digitCodeRe  = regexp.MustCompile(`^\d$`)
	identifierRe = regexp.MustCompile(`:(\d+)$`)
	almaDateRe   = regexp.MustCompile(`^([\d\-:\s]+)\s\D`)
)

// The administrative field carrying suppression state and catalog dates.
const adminTag = "988"

type subfieldXML struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

type dataFieldXML struct {
	Attrs     []xml.Attr    `xml:",any,attr"`
	Subfields []subfieldXML `xml:"subfield"`
}

type controlFieldXML struct {
	Tag   string `xml:"tag,attr"`
	Value string `xml:",chardata"`
}

type marcXML struct {
	Leader        string            `xml:"leader"`
	ControlFields []controlFieldXML `xml:"controlfield"`
	DataFields    []dataFieldXML    `xml:"datafield"`
}

type oaiRecordXML struct {
	Header struct {
		Status     string `xml:"status,attr"`
		Identifier string `xml:"identifier"`
		Datestamp  string `xml:"datestamp"`
	} `xml:"header"`
	Metadata struct {
		Record *marcXML `xml:"record"`
	} `xml:"metadata"`
}

func (f *dataFieldXML) attr(name string) (string, bool) {
	for _, a := range f.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Normalize parses one raw OAI record encoding into a Bib. Field-level
// problems (bad indicators, bad subfield codes, bad tags) are replaced with
// the Sentinel and reported as warnings on the result; the record survives.
// A non-nil error means the record is structurally unusable (bad XML,
// missing leader, identifier or datestamp) and must be dropped.
func Normalize(raw []byte) (diag.Result[*Bib], error) {
	var res diag.Result[*Bib]

	var rec oaiRecordXML
	if err := xml.Unmarshal(raw, &rec); err != nil {
		return res, eris.Wrap(err, "marc: unparsable record xml")
	}

	if rec.Header.Datestamp == "" {
		return res, eris.New("marc: datestamp not found")
	}
	pDate, err := time.Parse(oaiDatestampLayout, rec.Header.Datestamp)
	if err != nil {
		return res, eris.Wrapf(err, "marc: invalid datestamp %q", rec.Header.Datestamp)
	}

	// Deletion notices carry only the OAI header; the identifier is the
	// trailing numeric part of the OAI identifier.
	if rec.Header.Status == "deleted" {
		m := identifierRe.FindStringSubmatch(rec.Header.Identifier)
		if m == nil {
			return res, eris.Errorf("marc: mms_id not found in deletion notice %q", rec.Header.Identifier)
		}
		res.Value = &Bib{MMSID: m[1], PDate: pDate, Deleted: true}
		return res, nil
	}

	meta := rec.Metadata.Record
	if meta == nil {
		return res, eris.New("marc: metadata not found")
	}
	if meta.Leader == "" {
		return res, eris.New("marc: leader not found")
	}

	bib := &Bib{PDate: pDate, Record: &Record{Leader: meta.Leader}}

	for _, cf := range meta.ControlFields {
		tag := cf.Tag
		if !tagRe.MatchString(tag) {
			res.Warnf("invalid control field tag %q", tag)
			tag = Sentinel
		}
		if tag == "001" {
			bib.MMSID = cf.Value
		}
		bib.Record.Controls = append(bib.Record.Controls, ControlField{Tag: tag, Value: cf.Value})
	}

	if bib.MMSID == "" {
		return res, eris.New("marc: mms_id not found")
	}

	occ := map[string]int{}
	for _, df := range meta.DataFields {
		tag, _ := df.attr("tag")
		if !tagRe.MatchString(tag) {
			res.Warnf("record %s: invalid tag %q", bib.MMSID, tag)
			tag = Sentinel
		}
		occ[tag]++

		// Tag 988 is administrative: suppression flag and catalog dates.
		// It feeds the envelope and is not kept as a data field.
		if tag == adminTag {
			parseAdminField(&df, bib)
			continue
		}

		field := DataField{
			Tag:  tag,
			Ind1: cleanIndicator(&res, &df, "ind1", tag, bib.MMSID, occ[tag]),
			Ind2: cleanIndicator(&res, &df, "ind2", tag, bib.MMSID, occ[tag]),
		}
		for i, sf := range df.Subfields {
			if sf.Value == "" {
				continue
			}
			field.Subfields = append(field.Subfields, Subfield{
				Code:  cleanSubfieldCode(&res, sf.Code, tag, bib.MMSID, i+1),
				Value: sf.Value,
			})
		}
		bib.Record.Fields = append(bib.Record.Fields, field)
	}

	res.Value = bib
	return res, nil
}

// cleanIndicator validates a one-character indicator, substituting the
// Sentinel when missing or malformed. A bare space is a valid indicator.
func cleanIndicator(res *diag.Result[*Bib], df *dataFieldXML, name, tag, mmsID string, occurrence int) string {
	ind, ok := df.attr(name)
	if !ok {
		res.Warnf("record %s: %s missing (tag %s, occurrence %d)", mmsID, name, tag, occurrence)
		return Sentinel
	}
	if !indicatorRe.MatchString(ind) {
		res.Warnf("record %s: invalid %s %q (tag %s, occurrence %d)", mmsID, name, ind, tag, occurrence)
		return Sentinel
	}
	return ind
}

// cleanSubfieldCode validates a subfield code. A one-digit code is kept but
// prefixed with "n" so it cannot collide with alphabetic codes downstream.
func cleanSubfieldCode(res *diag.Result[*Bib], code, tag, mmsID string, position int) string {
	if code == "" {
		res.Warnf("record %s: subfield code missing (tag %s, position %d)", mmsID, tag, position)
		return Sentinel
	}
	if !subfieldRe.MatchString(code) {
		res.Warnf("record %s: invalid subfield code %q (tag %s, position %d)", mmsID, code, tag, position)
		return Sentinel
	}
	if digitCodeRe.MatchString(code) {
		return "n" + code
	}
	return code
}

// parseAdminField extracts the suppression flag (subfield e) and the
// creation/update dates (subfields b and d) from the administrative field.
func parseAdminField(df *dataFieldXML, bib *Bib) {
	for _, sf := range df.Subfields {
		switch sf.Code {
		case "e":
			bib.Suppressed = sf.Value == "true"
		case "b":
			if t, ok := parseAlmaDate(sf.Value); ok {
				bib.CDate = &t
			}
		case "d":
			if t, ok := parseAlmaDate(sf.Value); ok {
				bib.UDate = &t
			}
		}
	}
}

// parseAlmaDate parses the leading "YYYY-MM-DD HH:MM:SS" of a catalog date
// value, which is typically followed by a timezone name.
func parseAlmaDate(v string) (time.Time, bool) {
	m := almaDateRe.FindStringSubmatch(v)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02 15:04:05", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// String implements fmt.Stringer for log attribution.
func (b *Bib) String() string {
	if b == nil || b.MMSID == "" {
		return "Bib(<unknown mms_id>)"
	}
	return fmt.Sprintf("Bib(<%s>)", b.MMSID)
}
