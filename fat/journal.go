package fat

import (
	"log/slog"

	"github.com/embeddedflash/ftlfs/journal"
)

// metaJournal is the subset of *journal.Journal fat needs to log a
// metadata mutation before it is written to the FAT/directory region
// and to mark a top-level action committed once that write lands
// (§4.3). It is an interface, not *journal.Journal, so a read-only
// mount or a unit test can leave it nil.
type metaJournal interface {
	Append(kind journal.RecordKind, payload []byte) error
	Complete() error
}

// SetJournal attaches the metadata journal used to log cluster-chain
// and directory-entry mutations ahead of their on-disk commit. Pass nil
// to detach, e.g. before a read-only remount.
func (fsys *FS) SetJournal(j metaJournal) { fsys.journal = j }

// journalAppend logs kind/payload if a journal is attached. A journal
// error degrades to an unjournaled write rather than failing the
// caller's FAT operation: the journal exists to shorten crash recovery,
// not to gate today's I/O on its own health.
func (fsys *FS) journalAppend(kind journal.RecordKind, payload []byte) {
	if fsys.journal == nil {
		return
	}
	if err := fsys.journal.Append(kind, payload); err != nil {
		fsys.warn("journal append failed", slog.String("err", err.Error()))
	}
}

// journalComplete marks the records appended since the last completion
// as committed, once the FAT region write they described has landed.
func (fsys *FS) journalComplete() {
	if fsys.journal == nil {
		return
	}
	if err := fsys.journal.Complete(); err != nil {
		fsys.warn("journal complete failed", slog.String("err", err.Error()))
	}
}

// windowSnapshot copies the live disk-access window, used as an
// EntryUpdate before-image so a crash between this append and the
// window's eventual sync can be rolled back on replay.
func (fsys *FS) windowSnapshot() []byte {
	img := make([]byte, fsys.ssize)
	copy(img, fsys.win[:fsys.ssize])
	return img
}
