package targets

import (
	"context"
	"log/slog"
	"time"

	"github.com/zsiec/fsrv/internal/frameserver"
)

// journalTimeout bounds one journal write. Records are made on the logic
// goroutine, so a slow disk must not stall it for long.
const journalTimeout = 250 * time.Millisecond

// Journal records frameserver lifecycle transitions in a Store.
type Journal struct {
	log   *slog.Logger
	store Store
}

var _ frameserver.Journal = (*Journal)(nil)

// NewJournal creates a Journal writing to store. If log is nil,
// slog.Default() is used.
func NewJournal(store Store, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{log: log.With("component", "journal"), store: store}
}

// Record implements frameserver.Journal. Write failures are logged and
// otherwise ignored.
func (j *Journal) Record(id int32, target string, t frameserver.Transition, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := j.store.RecordLaunch(ctx, &Launch{
		Session:    id,
		Target:     target,
		Transition: string(t),
		Detail:     detail,
	})
	if err != nil {
		j.log.Warn("journal write failed", "session", id, "transition", t, "error", err)
	}
}
