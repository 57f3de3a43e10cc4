// Package litebackup exposes the SQLite [online backup] API over a small cgo driver.
//
// Connections are opened with [Open] (or pooled with [OpenPool]), and a [Backup] copies one
// schema of a source connection into a destination connection, a few pages at a time:
//
//	bk, err := litebackup.NewMainBackup(dst, src)
//	if err != nil {
//		return err
//	}
//	defer bk.Close()
//
//	for {
//		st, err := bk.Step(64)
//		...
//	}
//
// Most programs are better served by [Backup.Run], [BackupDB] or the snapshot sub-package,
// which already implement the retry loop.
//
// [online backup]: https://www.sqlite.org/backup.html
package litebackup

// #include <sqlite3.h>
// #include <stdint.h>
//
// extern char * go_strcpy(_GoString_ st);
// extern void go_free(void*);
import "C"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime/pprof"
	"runtime/trace"
	"strconv"
	"sync"
	"time"
	"unsafe"
)

// DefaultBusyTimeout is the time a connection waits on a locked database before reporting it busy.
var DefaultBusyTimeout = 10 * time.Second

// Open creates a new database connection stored at name.
func Open(name string) (*Conn, error) {
	return open(name, C.SQLITE_OPEN_READWRITE|C.SQLITE_OPEN_CREATE)
}

// ReadOnly opens an existing database at name, refusing all writes.
func ReadOnly(name string) (*Conn, error) {
	return open(name, C.SQLITE_OPEN_READONLY)
}

func open(name string, mode C.int) (*Conn, error) {
	if C.sqlite3_threadsafe() == 0 {
		return nil, errors.New("sqlite library was not compiled for thread-safe operation")
	}

	var db *C.sqlite3
	cname := C.go_strcpy(name)
	defer C.go_free(unsafe.Pointer(cname))
	rv := C.sqlite3_open_v2(cname, &db, mode|C.SQLITE_OPEN_FULLMUTEX|C.SQLITE_OPEN_URI, nil)
	if rv != C.SQLITE_OK {
		err := errorFromCode(rv)
		if db != nil {
			// a handle is returned even on error, it carries the detailed message and must be released
			err = &Error{Code: ResultCode(C.sqlite3_extended_errcode(db)), Msg: C.GoString(C.sqlite3_errmsg(db))}
			C.sqlite3_close_v2(db)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if db == nil {
		panic("sqlite succeeded without returning a database")
	}

	C.sqlite3_extended_result_codes(db, 1)
	ctn := &Conn{db: db}
	ctn.SetBusyTimeout(DefaultBusyTimeout)
	return ctn, nil
}

// Conn is a connection to a given database.
// Conn is safe for concurrent use.
//
// Internally, Conn maps to an sqlite3 object,
// and present the same characteristics when not documented otherwise.
type Conn struct {
	db   *C.sqlite3
	mxdb sync.Mutex // protect call to errmsg.
	// take lock before calling the SQLite statements operator
	// release on the happy path
	// pass with lock held to the error method, which will release it

	next *Conn // for free list
}

// SetBusyTimeout sets how long the connection retries when the database is locked by another connection.
// A zero or negative duration disables retries altogether, and locks are reported immediately.
// Durations above [math.MaxInt32] milliseconds (about 24 days) are capped.
func (c *Conn) SetBusyTimeout(d time.Duration) {
	if c.db == nil {
		return
	}
	C.sqlite3_busy_timeout(c.db, C.int(min(max(d.Milliseconds(), 0), math.MaxInt32)))
}

func (c *Conn) error(rv C.int) error {
	defer c.mxdb.Unlock()
	switch rv {
	case C.SQLITE_INTERRUPT:
		return context.DeadlineExceeded
	case C.SQLITE_OK:
		return nil
	case C.SQLITE_MISUSE:
		panic(fmt.Errorf("%s: %w", errText[rv], c.lastError()))
	case C.SQLITE_BUSY, C.SQLITE_BUSY_SNAPSHOT:
		return BusyTransaction // the entire transaction must be retried
	}

	return c.lastError()
}

// lastError describes the most recent failure on the connection.
// Callers must hold mxdb, or the message could belong to another call.
func (c *Conn) lastError() *Error {
	return &Error{
		Code: ResultCode(C.sqlite3_extended_errcode(c.db)),
		Msg:  C.GoString(C.sqlite3_errmsg(c.db)),
	}
}

// Exec executes cmd, optionally binding args to parameters in the query.
// Rows are a a cursor over the results, and the first row is already executed: commands needs not call [Rows.Next] afterwards.
// Arguments are matched by position.
func (c *Conn) Exec(ctx context.Context, cmd string, args ...any) *Rows {
	if c.db == nil {
		return &Rows{err: ErrConnClosed, stmt: &stmt{c: c}}
	}

	cmdstr := C.go_strcpy(cmd)
	defer C.go_free(unsafe.Pointer(cmdstr))
	var tail *C.char
	var s *C.sqlite3_stmt

	c.mxdb.Lock()
	rv := C.sqlite3_prepare_v2(c.db, cmdstr, C.int(len(cmd)+1), &s, &tail)
	if rv != C.SQLITE_OK {
		return &Rows{err: c.error(rv), stmt: &stmt{c: c}}
	}
	c.mxdb.Unlock()

	if C.GoString(tail) != "" {
		C.sqlite3_finalize(s)
		return &Rows{err: fmt.Errorf("multiple statements in call to exec (left %s)", C.GoString(tail)), stmt: &stmt{c: c}}
	}
	st := &stmt{c: c, s: s}
	statementsProfiles.Add(st, 3)
	if err := st.start(args); err != nil {
		return &Rows{err: err, stmt: st}
	}

	return &Rows{ctx: ctx, stmt: st, err: st.step(ctx), scflag: true}
}

// Close releases the connection.
// Closing an already closed connection is a no-op.
func (c *Conn) Close() error {
	if c.db == nil {
		return nil
	}
	rv := C.sqlite3_close_v2(c.db)
	if rv != C.SQLITE_OK {
		return errorFromCode(rv)
	}
	c.db = nil
	return nil
}

var statementsProfiles = pprof.NewProfile("t.sftw/litebackup/statements")

// Rows are iterator structure over the underlying database statement results.
//
// Rows are lightweigth object, and should not be reused after [Rows.Err] or [Rows.ScanOne] calls.
type Rows struct {
	err error
	ctx context.Context

	scflag bool
	stmt   *stmt
	final  func()
}

// Next advances the cursor to the next result in the set.
// It returns false if there are no more results, or if an error, or a timeout occur.
// Use [Rows.Err] to disambiguate between those cases.
func (rows *Rows) Next() bool {
	switch {
	case rows.err != nil:
		return false
	case rows.scflag:
		rows.scflag = false
		return true
	}

	rows.err = rows.stmt.step(rows.ctx)
	return rows.err == nil
}

// Scan unmarshals the underlying SQLite value into a Go value.
// Values in dst are matched by position against the columns in the query.
//
// Scan defers errors to the [Rows.Err] method (but note that [Rows.Next] will stop at the first error).
func (rows *Rows) Scan(dst ...any) {
	if rows.err != nil {
		return
	}

	rows.scflag = false
	rows.err = rows.stmt.scan(dst)
}

// Err finalizes the statement, and return an error if any.
// [Rows] should not be used after this.
func (r *Rows) Err() error {
	r.stmt.finalize()
	statementsProfiles.Remove(r.stmt)

	if r.final != nil {
		r.final()
		r.final = nil // prevent double free
	}

	if errors.Is(r.err, io.EOF) {
		return nil
	}
	return r.err
}

// ScanOne is a convenient shortcut over [Rows.Scan], returning the first value.
// [DuplicateRecords] will be returned if more than one record match.
// [io.EOF] is returned when there is no record.
func (r *Rows) ScanOne(dst ...any) error {
	if r.err != nil {
		r.Err() // execute for freeing side-effects
		return r.err
	}

	r.Scan(dst...)
	// should have read it all
	if r.Next() {
		r.err = DuplicateRecords
	}
	return r.Err()
}

type stmt struct {
	c *Conn
	s *C.sqlite3_stmt
}

func (s *stmt) start(args []any) error {
	n := int(C.sqlite3_bind_parameter_count(s.s))
	if n != len(args) {
		return fmt.Errorf("incorrect argument count for command: have %d want %d", len(args), n)
	}

	s.c.mxdb.Lock()
	for i, v := range args {
		var rv C.int
		switch v := v.(type) {
		case nil:
			rv = C.sqlite3_bind_null(s.s, C.int(i+1))
		case float64:
			rv = C.sqlite3_bind_double(s.s, C.int(i+1), C.double(v))
		case int64:
			rv = C.sqlite3_bind_int64(s.s, C.int(i+1), C.sqlite3_int64(v))
		case int:
			rv = C.sqlite3_bind_int64(s.s, C.int(i+1), C.sqlite3_int64(v))

		case bool:
			var vi int64
			if v {
				vi = 1
			}
			rv = C.sqlite3_bind_int64(s.s, C.int(i+1), C.sqlite3_int64(vi))

		case string:
			cstr := C.go_strcpy(v)
			rv = C.sqlite3_bind_text(s.s, C.int(i+1), cstr, -1, (*[0]byte)(C.sqlite3_free))

		case []byte:
			if len(v) == 0 {
				rv = C.sqlite3_bind_zeroblob(s.s, C.int(i+1), 0)
				break
			}
			// SQLITE_TRANSIENT is not usable from cgo, the copy is freed by SQLite
			buf := C.sqlite3_malloc64(C.sqlite3_uint64(len(v)))
			copy(unsafe.Slice((*byte)(buf), len(v)), v)
			rv = C.sqlite3_bind_blob(s.s, C.int(i+1), buf, C.int(len(v)), (*[0]byte)(C.sqlite3_free))

		default:
			s.c.mxdb.Unlock()
			return fmt.Errorf("%T cannot be bound to a statement parameter", v)
		}

		if rv != C.SQLITE_OK {
			return s.c.error(rv)
		}

	}
	s.c.mxdb.Unlock()
	return nil
}

func (s *stmt) finalize() {
	if s.s != nil {
		C.sqlite3_finalize(s.s)
		s.s = nil
	}
}

func (s *stmt) step(ctx context.Context) error {
	defer trace.StartRegion(ctx, "sqlite_row_next").End()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.c.mxdb.Lock()
	switch rv := C.sqlite3_step(s.s); rv {
	case C.SQLITE_ROW:
		s.c.mxdb.Unlock()
		return nil
	case C.SQLITE_DONE:
		s.c.mxdb.Unlock()
		return io.EOF
	case C.SQLITE_OK:
		return s.c.error(C.SQLITE_MISUSE)
	default:
		return s.c.error(rv)
	}
}

func (stmt *stmt) scan(dst []any) error {
	if n := int(C.sqlite3_column_count(stmt.s)); len(dst) > n {
		return fmt.Errorf("scanning %d values out of %d columns", len(dst), n)
	}

	// double type switch, to match SQLite column affinity
	for i := range dst {
		switch typ := C.sqlite3_column_type(stmt.s, C.int(i)); typ {
		default:
			return fmt.Errorf("unexpected sqlite3 column type %d", typ)
		case C.SQLITE_INTEGER:
			val := int64(C.sqlite3_column_int64(stmt.s, C.int(i)))

			switch v := dst[i].(type) {
			case *bool:
				*v = val > 0
			case *int:
				*v = int(val)
			case *int64:
				*v = val
			case *float64:
				*v = float64(val)
			case *string:
				*v = strconv.FormatInt(val, 10)
			default:
				return fmt.Errorf("cannot scan integer into %T", v)
			}

		case C.SQLITE_FLOAT:
			val := float64(C.sqlite3_column_double(stmt.s, C.int(i)))
			switch v := dst[i].(type) {
			case *float64:
				*v = val
			case *string:
				*v = strconv.FormatFloat(val, 'g', -1, 64)
			default:
				return fmt.Errorf("cannot scan float into %T", v)
			}

		case C.SQLITE_BLOB, C.SQLITE_TEXT:
			n := int(C.sqlite3_column_bytes(stmt.s, C.int(i)))
			var b []byte
			if n > 0 {
				b = unsafe.Slice((*byte)(C.sqlite3_column_blob(stmt.s, C.int(i))), n)
			}

			switch v := dst[i].(type) {
			case *int:
				vv, err := strconv.ParseInt(string(b), 10, 64)
				if err != nil {
					return err
				}
				*v = int(vv)
			case *int64:
				vv, err := strconv.ParseInt(string(b), 10, 64)
				if err != nil {
					return err
				}
				*v = vv
			case *[]byte:
				if cap(*v) < len(b) {
					*v = make([]byte, len(b))
				} else {
					*v = (*v)[:len(b)]
				}
				copy(*v, b)
			case *string:
				*v = string(b)
			default:
				return fmt.Errorf("cannot scan text into %T", v)
			}

		case C.SQLITE_NULL:
			// leave the destination untouched
		}
	}
	return nil
}
