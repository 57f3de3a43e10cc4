// Package snapshot takes online backups of a live database, and ships them to durable storage.
//
// A [Snapshotter] copies the database into a staging file with the SQLite backup API,
// turns it into a standalone database file, optionally checks its integrity,
// then hands it over to a [Store]: a local directory ([LocalStore]) or an S3 bucket ([S3Store]).
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/TroutSoftware/litebackup"
	"github.com/google/uuid"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogger sets the logger used throughout the package.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}

var (
	// ErrInvalidConfig is returned when a store configuration is not usable.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSaveFailed is returned when a store could not persist a snapshot.
	ErrSaveFailed = errors.New("snapshot save failed")

	// ErrCorrupted is returned when the copied database does not pass the integrity check.
	ErrCorrupted = errors.New("snapshot failed integrity check")
)

// Store persists snapshot files.
type Store interface {
	// Save copies the file at localPath under name (a slash-separated relative path).
	// The file is removed once Save returns, so implementations must not keep a reference to it.
	Save(ctx context.Context, localPath, name string) error

	Close() error
}

// Snapshot describes a saved copy.
type Snapshot struct {
	Name  string // as passed to [Store.Save]
	Size  int64  // bytes
	Pages int    // database pages copied
	Taken time.Time
}

// Snapshotter takes snapshots of the database behind Pool, and saves them to Store.
type Snapshotter struct {
	Pool  *litebackup.Connections
	Store Store

	// Run controls the pace of the backup, see [litebackup.RunOptions].
	Run litebackup.RunOptions

	// Prefix is prepended to all snapshot names.
	Prefix string

	// Verify runs an integrity check on the copy before saving it.
	Verify bool

	// TempDir is where the copy is staged; [os.TempDir] if empty.
	TempDir string

	now func() time.Time
}

// Take copies the database, and saves the copy to the store.
// Writers are not blocked for the duration of the copy, only between steps.
func (s *Snapshotter) Take(ctx context.Context) (Snapshot, error) {
	if s.Pool == nil || s.Store == nil {
		return Snapshot{}, fmt.Errorf("%w: snapshotter needs a pool and a store", ErrInvalidConfig)
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	dir := s.TempDir
	if dir == "" {
		dir = os.TempDir()
	}

	id := uuid.NewString()
	staged := filepath.Join(dir, "litebackup-"+id+".db")
	defer removeDB(staged)

	var last litebackup.Progress
	opts := s.Run
	opts.Progress = func(p litebackup.Progress) {
		last = p
		if s.Run.Progress != nil {
			s.Run.Progress(p)
		}
	}

	taken := now().UTC()
	start := time.Now()
	if err := litebackup.BackupDB(ctx, s.Pool, staged, opts); err != nil {
		return Snapshot{}, fmt.Errorf("copying %s: %w", s.Pool.Name(), err)
	}
	log.Debug("database copied", "source", s.Pool.Name(), "pages", last.PageCount, "elapsed", time.Since(start))

	if err := standalone(ctx, staged, s.Verify); err != nil {
		return Snapshot{}, err
	}

	st, err := os.Stat(staged)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Name:  path.Join(s.Prefix, taken.Format("20060102T150405Z")+"-"+id+".db"),
		Size:  st.Size(),
		Pages: last.PageCount,
		Taken: taken,
	}
	if err := s.Store.Save(ctx, staged, snap.Name); err != nil {
		return Snapshot{}, err
	}

	log.Info("snapshot saved", "name", snap.Name, "size", snap.Size, "pages", snap.Pages)
	return snap, nil
}

// standalone switches the copy out of WAL mode, so it can be shipped as a single file,
// and checks its integrity if asked to.
func standalone(ctx context.Context, name string, verify bool) (err error) {
	db, err := litebackup.Open(name)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, db.Close()) }()

	var mode string
	if err := db.Exec(ctx, "PRAGMA journal_mode=DELETE").ScanOne(&mode); err != nil {
		return fmt.Errorf("leaving WAL mode: %w", err)
	}
	if mode != "delete" {
		return fmt.Errorf("leaving WAL mode: journal mode is still %s", mode)
	}

	if !verify {
		return nil
	}

	var problems []string
	rows := db.Exec(ctx, "PRAGMA integrity_check")
	for rows.Next() {
		var msg string
		rows.Scan(&msg)
		if msg != "ok" {
			problems = append(problems, msg)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrCorrupted, problems)
	}
	return nil
}

func removeDB(name string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(name + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("cannot remove staging file", "file", name+suffix, "error", err)
		}
	}
}
