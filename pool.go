package litebackup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/pprof"
	"sync"
)

// #include <sqlite3.h>
import "C"

// MemoryPath opens a private, in-memory database.
// Each call to [Open] with this path returns a distinct database.
const MemoryPath = "file::memory:?mode=memory"

var connectionsProfiles = pprof.NewProfile("t.sftw/litebackup/connections")

// Connections is a pool of connections to a single SQLite database.
type Connections struct {
	name string

	free *Conn      // free list
	mx   sync.Mutex // protects all above

	wait sync.Cond
}

// FreeCount returns the number of free connections in the pool
func (c *Connections) FreeCount() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	i := 0
	for p := c.free; p != nil; p = p.next {
		var st *C.sqlite3_stmt
		st = C.sqlite3_next_stmt(p.db, st)
		if st != nil {
			slog.Warn("dangling statement in pool", "sql", C.GoString(C.sqlite3_sql(st)))
		}
		i++
	}
	return i
}

var NumThreads int

func init() {
	// There is a limit to how many concurrent writes we can issue in SQLite at the same time,
	// even in WAL mode (single writer). Increasing the number too much would still result in busy contention.
	// This takes the same approach as Python's [ThreadPoolExecutor].
	//
	// [ThreadPoolExecutor]: https://docs.python.org/3/library/concurrent.futures.html#concurrent.futures.ThreadPoolExecutor
	NumThreads = min(runtime.NumCPU()+4, 32)
}

// OpenPool ceates a new connection pool, with the database in WAL mode.
func OpenPool(name string) (*Connections, error) {
	if name == ":memory:" || name == MemoryPath {
		return nil, errors.New("in-memory databases do not work with pools")
	}

	pool := Connections{name: name}
	pool.wait = sync.Cond{L: &pool.mx}

	ptr := &pool.free
	for w := NumThreads; w > 0; w-- {
		conn, err := Open(name)
		if err != nil {
			return nil, errors.Join(err, pool.closeFree())
		}
		*ptr = conn
		ptr = &conn.next

		if w == NumThreads {
			var mode string
			err = conn.Exec(context.Background(), "PRAGMA journal_mode=WAL").ScanOne(&mode)
			if err != nil || mode != "wal" {
				return nil, errors.Join(fmt.Errorf("cannot set WAL mode (mode=%s): %w", mode, err), pool.closeFree())
			}
		}
	}

	return &pool, nil
}

// Name is the database path the pool was opened with.
func (p *Connections) Name() string { return p.name }

// Exec runs cmd on a connection taken from the pool, and returned when [Rows.Err] is called.
func (p *Connections) Exec(ctx context.Context, cmd string, args ...any) *Rows {
	ctn := p.take()
	rows := ctn.Exec(ctx, cmd, args...)
	rows.final = func() { p.put(ctn) }
	return rows
}

// Close closes all connections in the pool.
// It waits for all taken connections (including the ones used by a running backup) to be returned.
func (p *Connections) Close() error {
	var err error
	for range NumThreads {
		ctn := p.take()
		err = errors.Join(err, ctn.Close())
	}

	return err
}

// closeFree releases the connections opened so far, when the pool cannot be built.
func (p *Connections) closeFree() error {
	var err error
	for c := p.free; c != nil; c = c.next {
		err = errors.Join(err, c.Close())
	}
	return err
}

func (p *Connections) take() *Conn {
	p.mx.Lock()
	for p.free == nil {
		p.wait.Wait()
	}

	ctn := p.free
	p.free = ctn.next
	p.mx.Unlock()
	connectionsProfiles.Add(ctn, 2)
	return ctn
}

func (p *Connections) put(ctn *Conn) {
	connectionsProfiles.Remove(ctn)
	p.mx.Lock()
	ctn.next = p.free
	p.free = ctn

	p.wait.Signal()
	p.mx.Unlock()
}
