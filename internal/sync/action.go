// Package sync reconciles harvested chunk files against the version store:
// it classifies each incoming record against the current state, applies the
// resulting change, and records per-run audit statistics.
package sync

import (
	"go.uber.org/zap"

	"github.com/bibnet/marcsync/internal/model"
)

// Action is the change class of one incoming record relative to the store.
type Action int

const (
	// ActionCreate inserts a never-seen (or previously deleted) identifier.
	ActionCreate Action = iota
	// ActionUpdate overwrites the active entry, archiving the old version.
	ActionUpdate
	// ActionUnchanged leaves storage untouched.
	ActionUnchanged
	// ActionSuppressOnly is an update whose only change is the suppression flag.
	ActionSuppressOnly
	// ActionDelete archives the active entry and removes it.
	ActionDelete
	// ActionArchiveOnly writes a stale incoming version straight to history.
	ActionArchiveOnly
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionUnchanged:
		return "unchanged"
	case ActionSuppressOnly:
		return "suppress"
	case ActionDelete:
		return "delete"
	case ActionArchiveOnly:
		return "archive"
	default:
		return "unknown"
	}
}

// Classify decides what to do with an incoming record given the current
// active entry (nil when the identifier is absent). Ordering is decided by
// the envelope datestamp: an incoming record older than the current entry is
// archived without touching the active collection, and a deletion notice
// older than the current entry is ignored.
func Classify(incoming *model.ActiveEntry, deleted bool, current *model.ActiveEntry) Action {
	if deleted {
		if current == nil {
			zap.L().Debug("deletion notice for absent identifier",
				zap.String("mms_id", incoming.MMSID))
			return ActionUnchanged
		}
		if incoming.PDate.Before(current.PDate) {
			zap.L().Warn("stale deletion notice ignored",
				zap.String("mms_id", incoming.MMSID),
				zap.Time("notice_date", incoming.PDate),
				zap.Time("current_date", current.PDate))
			return ActionUnchanged
		}
		return ActionDelete
	}

	if current == nil {
		return ActionCreate
	}
	if incoming.PDate.Before(current.PDate) {
		return ActionArchiveOnly
	}
	if incoming.ContentEqual(current) {
		return ActionUnchanged
	}
	if incoming.Record.Equal(current.Record) {
		return ActionSuppressOnly
	}
	return ActionUpdate
}
