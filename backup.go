package litebackup

// #include <sqlite3.h>
//
// extern char * go_strcpy(_GoString_ st);
// extern void go_free(void*);
import "C"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/pprof"
	"runtime/trace"
	"unsafe"
)

// DBName is the name of the database used in the application (main by default).
//
// It can be changed before a back-up is started to reflect the application specificities.
var DBName = "main"

// AllPages copies all remaining pages in a single [Backup.Step].
const AllPages = -1

var (
	ErrBackupInit   = errors.New("sqlite: cannot start backup")
	ErrBackupStep   = errors.New("sqlite: backup step failed")
	ErrBackupClosed = errors.New("sqlite: backup is closed")
)

var backupsProfiles = pprof.NewProfile("t.sftw/litebackup/backups")

// StepStatus is the outcome of a successful [Backup.Step].
type StepStatus int

const (
	stepFailed StepStatus = iota // only returned with an error

	// StepMore means pages remain to be copied.
	StepMore
	// StepDone means the copy is complete; the backup should now be closed.
	StepDone
	// StepBusy means a file lock could not be obtained; retry later.
	StepBusy
	// StepLocked means the source is in use by its own connection; retry later.
	StepLocked
)

func (s StepStatus) String() string {
	switch s {
	case StepMore:
		return "more"
	case StepDone:
		return "done"
	case StepBusy:
		return "busy"
	case StepLocked:
		return "locked"
	}
	return "failed"
}

// Progress is a view of the backup counters after the last step.
type Progress struct {
	Remaining int // pages left to copy
	PageCount int // pages in the source, as of the last step
}

// Ratio returns the fraction of pages already copied, between 0 and 1.
func (p Progress) Ratio() float64 {
	if p.PageCount <= 0 {
		return 0
	}
	return float64(p.PageCount-p.Remaining) / float64(p.PageCount)
}

// cursor exclusively owns a native backup object.
// The zero value holds nothing, and releasing it is a no-op.
type cursor struct{ p *C.sqlite3_backup }

func (c *cursor) held() bool { return c.p != nil }

func (c *cursor) release() {
	if c.p == nil {
		return
	}
	// the return value repeats the last step error, already reported
	C.sqlite3_backup_finish(c.p)
	c.p = nil
}

// Backup is an [online backup] in progress, copying one schema of a source connection into a destination connection.
//
// Both connections must remain open until [Backup.Close] is called.
// A Backup is not safe for concurrent use: Step and Close must be serialized by the caller.
//
// [online backup]: https://www.sqlite.org/c3ref/backup_finish.html
type Backup struct {
	cur      cursor
	dst, src *Conn

	done bool
	err  error // sticky step failure

	last Progress // counters, retained after Close
}

// NewBackup starts copying schema srcSchema of src into schema dstSchema of dst.
// Empty schema names stand for [DBName].
//
// On failure, the returned error wraps both [ErrBackupInit], and the [*Error] reported by the destination connection.
// Callers must [Backup.Close] the backup on all paths, typically with defer.
func NewBackup(dst *Conn, dstSchema string, src *Conn, srcSchema string) (*Backup, error) {
	if dstSchema == "" {
		dstSchema = DBName
	}
	if srcSchema == "" {
		srcSchema = DBName
	}
	if dst == nil || dst.db == nil || src == nil || src.db == nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupInit, &Error{Code: codeMisuse, Msg: ErrConnClosed.Error()})
	}

	cdst := C.go_strcpy(dstSchema)
	defer C.go_free(unsafe.Pointer(cdst))
	csrc := C.go_strcpy(srcSchema)
	defer C.go_free(unsafe.Pointer(csrc))

	dst.mxdb.Lock()
	p := C.sqlite3_backup_init(dst.db, cdst, src.db, csrc)
	if p == nil {
		// errors are attached to the destination connection
		err := dst.lastError()
		dst.mxdb.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrBackupInit, err)
	}
	dst.mxdb.Unlock()

	b := &Backup{cur: cursor{p: p}, dst: dst, src: src}
	backupsProfiles.Add(b, 2)
	return b, nil
}

// NewMainBackup copies the [DBName] schema of src into the same schema in dst.
func NewMainBackup(dst, src *Conn) (*Backup, error) {
	return NewBackup(dst, DBName, src, DBName)
}

// BackupFrom starts copying src into c. See [NewMainBackup].
func (c *Conn) BackupFrom(src *Conn) (*Backup, error) { return NewMainBackup(c, src) }

// Step copies up to pages pages from the source to the destination.
// A negative value (see [AllPages]) copies everything that remains, and so do values too large for the engine.
//
// [StepBusy] and [StepLocked] are transient: the caller should wait a bit, then step again.
// Any other engine failure is returned as an error wrapping [ErrBackupStep] and an [*Error];
// the backup is then unusable, and further calls return the same error.
//
// Stepping a completed backup returns [StepDone] without copying anything.
func (b *Backup) Step(pages int) (StepStatus, error) {
	switch {
	case b.err != nil:
		return stepFailed, b.err
	case b.done:
		return StepDone, nil
	case !b.cur.held():
		return stepFailed, ErrBackupClosed
	}

	if pages < 0 || pages > math.MaxInt32 {
		pages = AllPages
	}

	region := trace.StartRegion(context.Background(), "sqlite_backup_step")
	rv := C.sqlite3_backup_step(b.cur.p, C.int(pages))
	region.End()

	b.last = Progress{
		Remaining: int(C.sqlite3_backup_remaining(b.cur.p)),
		PageCount: int(C.sqlite3_backup_pagecount(b.cur.p)),
	}

	st, err := stepStatus(rv)
	if err != nil {
		b.err = err
		return st, err
	}
	if st == StepDone {
		b.done = true
	}
	return st, nil
}

// stepStatus maps the result of sqlite3_backup_step.
// Extended busy and locked codes are transient like their primary code.
func stepStatus(rv C.int) (StepStatus, error) {
	switch {
	case rv == C.SQLITE_OK:
		return StepMore, nil
	case rv == C.SQLITE_DONE:
		return StepDone, nil
	case rv&0xff == C.SQLITE_BUSY:
		return StepBusy, nil
	case rv&0xff == C.SQLITE_LOCKED:
		return StepLocked, nil
	}
	return stepFailed, fmt.Errorf("%w: %w", ErrBackupStep, errorFromCode(rv))
}

// stepStatusOf is stepStatus over plain ints, test files cannot use cgo types.
func stepStatusOf(rv int) (StepStatus, error) { return stepStatus(C.int(rv)) }

// Remaining returns the number of pages still to be copied, as of the last step.
// It is 0 until the first step.
func (b *Backup) Remaining() int { return b.Progress().Remaining }

// PageCount returns the number of pages in the source database, as of the last step.
// The value can change between steps if the source is written to concurrently.
// It is 0 until the first step.
func (b *Backup) PageCount() int { return b.Progress().PageCount }

// Progress returns both counters in a single call.
func (b *Backup) Progress() Progress {
	if !b.cur.held() {
		return b.last
	}
	return Progress{
		Remaining: int(C.sqlite3_backup_remaining(b.cur.p)),
		PageCount: int(C.sqlite3_backup_pagecount(b.cur.p)),
	}
}

// Done reports whether the copy completed.
func (b *Backup) Done() bool { return b.done }

// Close releases the native backup object.
// It can be called at any point: stopping before [StepDone] leaves the destination partially written.
// Close is idempotent, and always returns nil; step failures are reported by [Backup.Step].
func (b *Backup) Close() error {
	if !b.cur.held() {
		return nil
	}

	b.last = b.Progress()
	b.cur.release()
	backupsProfiles.Remove(b)
	return nil
}
