package litebackup

// #include <sqlite3.h>
import "C"

import (
	"context"
	"errors"
	"strconv"
)

var errText = map[C.int]error{
	C.SQLITE_ERROR:         errors.New("SQL error or missing database"),
	C.SQLITE_INTERNAL:      errors.New("internal logic error in SQLite"),
	C.SQLITE_PERM:          errors.New("access permission denied"),
	C.SQLITE_ABORT:         errors.New("callback routine requested an abort"),
	C.SQLITE_BUSY:          errors.New("the database file is busy"),
	C.SQLITE_LOCKED:        errors.New("a table in the database is locked"),
	C.SQLITE_NOMEM:         errors.New("a malloc() failed"),
	C.SQLITE_READONLY:      errors.New("attempt to write a readonly database"),
	C.SQLITE_INTERRUPT:     context.DeadlineExceeded,
	C.SQLITE_IOERR:         errors.New("some kind of disk I/O error occurred"),
	C.SQLITE_CORRUPT:       errors.New("the database disk image is malformed"),
	C.SQLITE_NOTFOUND:      errors.New("unknown opcode or file control"),
	C.SQLITE_FULL:          errors.New("insertion failed because database is full"),
	C.SQLITE_CANTOPEN:      errors.New("unable to open the database file"),
	C.SQLITE_PROTOCOL:      errors.New("database lock protocol error"),
	C.SQLITE_EMPTY:         errors.New("database is empty"),
	C.SQLITE_SCHEMA:        errors.New("the database schema changed"),
	C.SQLITE_TOOBIG:        errors.New("string or BLOB exceeds size limit"),
	C.SQLITE_CONSTRAINT:    errors.New("abort due to constraint violation"),
	C.SQLITE_MISMATCH:      errors.New("data type mismatch"),
	C.SQLITE_MISUSE:        errors.New("library used incorrectly"),
	C.SQLITE_NOLFS:         errors.New("uses OS features not supported on host"),
	C.SQLITE_AUTH:          errors.New("authorization denied"),
	C.SQLITE_FORMAT:        errors.New("auxiliary database format error"),
	C.SQLITE_RANGE:         errors.New("2nd parameter to sqlite3_bind out of range"),
	C.SQLITE_NOTADB:        errors.New("file opened that is not a database file"),
	C.SQLITE_ROW:           errors.New("sqlite3_step() has another row ready"),
	C.SQLITE_DONE:          errors.New("sqlite3_step() has finished executing"),
	C.SQLITE_BUSY_SNAPSHOT: errors.New("snapshot is busy"),
}

var (
	BusyTransaction     = errText[C.SQLITE_BUSY]
	ErrReadOnlyDatabase = errText[C.SQLITE_READONLY]
	DuplicateRecords    = errors.New("duplicate records in scanone")

	// ErrConnClosed is returned when a connection is used after [Conn.Close].
	ErrConnClosed = errors.New("sqlite: connection is closed")
)

// ResultCode is an SQLite [result code], possibly extended.
//
// [result code]: https://www.sqlite.org/rescode.html
type ResultCode int

// Primary strips the extended information from the code, e.g. SQLITE_BUSY_SNAPSHOT becomes SQLITE_BUSY.
func (rc ResultCode) Primary() ResultCode { return rc & 0xff }

func (rc ResultCode) String() string {
	if s := C.sqlite3_errstr(C.int(rc)); s != nil {
		return C.GoString(s)
	}
	return "result code " + strconv.Itoa(int(rc))
}

const codeMisuse = ResultCode(C.SQLITE_MISUSE)

// Error is an error reported by the engine.
// It carries the (extended) result code together with the human-readable message.
//
// Use [errors.As] to get access to the code.
type Error struct {
	Code ResultCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Msg + " (" + strconv.Itoa(int(e.Code)) + ")"
}

// Is matches both the package sentinels (e.g. [BusyTransaction] or [ErrReadOnlyDatabase]),
// and other *Error values with the same primary code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Code.Primary() == e.Code.Primary()
	}
	if s, ok := errText[C.int(e.Code)]; ok && s == target {
		return true
	}
	if s, ok := errText[C.int(e.Code.Primary())]; ok && s == target {
		return true
	}
	return false
}

// errorFromCode builds an error when no connection is available to describe it.
func errorFromCode(rv C.int) *Error {
	return &Error{Code: ResultCode(rv), Msg: C.GoString(C.sqlite3_errstr(rv))}
}
