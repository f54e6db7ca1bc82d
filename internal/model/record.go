// Package model defines the persisted document shapes: active entries,
// history entries and task entries.
package model

import (
	"time"

	"github.com/bibnet/marcsync/internal/marc"
)

// ActiveEntry is the live document for one bibliographic record. There is at
// most one per identifier; absence means never seen or deleted.
type ActiveEntry struct {
	MMSID             string       `json:"mms_id"`
	Record            *marc.Record `json:"marc"`
	PDate             time.Time    `json:"p_date"`
	CDate             *time.Time   `json:"c_date,omitempty"`
	UDate             *time.Time   `json:"u_date,omitempty"`
	Suppressed        bool         `json:"sup"`
	Format            string       `json:"format,omitempty"`
	Access            string       `json:"access,omitempty"`
	DataError         bool         `json:"data_error,omitempty"`
	DataErrorMessages []string     `json:"data_error_messages,omitempty"`
}

// NewActiveEntry builds the active document for a harvested record: the
// envelope fields are flattened next to the MARC content, resource format
// and access type are derived, and any normalization warnings are recorded
// on the entry itself so operators can triage them from the store.
func NewActiveEntry(bib *marc.Bib, warnings []string) *ActiveEntry {
	e := &ActiveEntry{
		MMSID:      bib.MMSID,
		Record:     bib.Record,
		PDate:      bib.PDate,
		CDate:      bib.CDate,
		UDate:      bib.UDate,
		Suppressed: bib.Suppressed,
	}

	msgs := append([]string(nil), warnings...)
	if bib.Record != nil {
		format, w := bib.Record.ResourceType()
		msgs = append(msgs, w...)
		access, w := bib.Record.AccessType()
		msgs = append(msgs, w...)
		e.Format = format
		e.Access = access
	}

	if len(msgs) > 0 {
		e.DataError = true
		e.DataErrorMessages = msgs
	}
	return e
}

// ContentEqual reports whether two entries carry the same bibliographic
// content and suppression state. It is order-sensitive across field
// occurrences and subfields; envelope timestamps are not compared.
func (e *ActiveEntry) ContentEqual(other *ActiveEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Suppressed == other.Suppressed && e.Record.Equal(other.Record)
}

// HistoryEntry is the append-only version log for one identifier. Versions
// are ordered oldest first; the log only ever grows.
type HistoryEntry struct {
	MMSID    string        `json:"mms_id"`
	Deleted  bool          `json:"deleted"`
	Versions []ActiveEntry `json:"versions"`
}
