package litebackup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"
)

// DefaultPause is the wait before retrying a busy or locked step, when [RunOptions.Pause] is not set.
var DefaultPause = 250 * time.Millisecond

// RunOptions control how [Backup.Run] drives a backup.
// The zero value copies the whole database in one step.
type RunOptions struct {
	// PagesPerStep is the number of pages copied at each step.
	// Small values let writers access the source between steps, at the cost of a longer backup.
	// Zero or negative values copy everything at once.
	PagesPerStep int

	// Pause is the wait between two steps, and before retrying a busy source.
	Pause time.Duration

	// Progress, if set, is called after every step.
	Progress func(Progress)
}

// Run steps the backup until completion, waiting and retrying when the source is busy or locked.
// It stops early if ctx is done, and returns the context error; the destination is then partially written.
//
// Run does not close the backup.
func (b *Backup) Run(ctx context.Context, opts RunOptions) error {
	pages := opts.PagesPerStep
	if pages <= 0 {
		pages = AllPages
	}
	retry := opts.Pause
	if retry <= 0 {
		retry = DefaultPause
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		st, err := b.Step(pages)
		if err != nil {
			return err
		}
		if opts.Progress != nil {
			opts.Progress(b.Progress())
		}

		var wait time.Duration
		switch st {
		case StepDone:
			return nil
		case StepBusy, StepLocked:
			slog.DebugContext(ctx, "backup source unavailable, retrying", "status", st, "pause", retry)
			wait = retry
		case StepMore:
			wait = opts.Pause
		}

		if err := pause(ctx, wait); err != nil {
			return err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BackupDB performs an [online backup] of the pool database to the file dest.
// The file is created if needed, and overwritten otherwise.
//
// [online backup]: https://www.sqlite.org/backup.html
func BackupDB(ctx context.Context, pool *Connections, dest string, opts RunOptions) (err error) {
	ctn := pool.take()
	defer pool.put(ctn)

	db, err := Open(dest)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, db.Close()) }()

	back, err := NewBackup(db, DBName, ctn, DBName)
	if err != nil {
		return err
	}
	defer back.Close()

	return back.Run(ctx, opts)
}

// RestoreDB replaces the content of the pool database with the database stored in the file src.
// Other connections of the pool see the new content once the restore completes.
//
// Since the pool runs in WAL mode, src must use the same page size as the pool database.
// src is opened read-write, as copies of a WAL database are WAL databases themselves, and need their shared-memory file.
func RestoreDB(ctx context.Context, pool *Connections, src string, opts RunOptions) (err error) {
	// Open would create a missing file, and restore an empty database
	if _, err := os.Stat(src); err != nil {
		return err
	}

	ctn := pool.take()
	defer pool.put(ctn)

	db, err := Open(src)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, db.Close()) }()

	back, err := NewBackup(ctn, DBName, db, DBName)
	if err != nil {
		return err
	}
	defer back.Close()

	return back.Run(ctx, opts)
}
