// Package sqlitedb loads a .mprof stream into SQLite so allocation data can
// be queried offline.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/chazu/strata/mprof"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS names (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pcs (
	id       INTEGER PRIMARY KEY,
	address  INTEGER NOT NULL,
	file     INTEGER,
	function INTEGER,
	line     INTEGER
);
CREATE TABLE IF NOT EXISTS callstacks (
	id        INTEGER PRIMARY KEY,
	crc       INTEGER NOT NULL,
	truncated INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS callstack_frames (
	callstack INTEGER NOT NULL,
	depth     INTEGER NOT NULL,
	pc        INTEGER NOT NULL,
	PRIMARY KEY (callstack, depth)
);
CREATE TABLE IF NOT EXISTS tokens (
	seq              INTEGER PRIMARY KEY,
	file             INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	pointer          INTEGER,
	new_pointer      INTEGER,
	size             INTEGER,
	callstack        INTEGER,
	script_callstack INTEGER,
	subtype          TEXT,
	payload          INTEGER,
	text             TEXT
);
CREATE TABLE IF NOT EXISTS live (
	pointer   INTEGER PRIMARY KEY,
	size      INTEGER NOT NULL,
	callstack INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS modules (
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	guid TEXT NOT NULL
);
`

// DB is an offline profile store.
type DB struct {
	db *sql.DB
}

// Open opens or creates the store at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Summary reports what an import stored.
type Summary struct {
	Tokens     int
	Callstacks int
	Names      int
	Live       int
	LiveBytes  uint64
	DataFiles  uint32
}

type liveAlloc struct {
	size      uint32
	callstack int32
}

// Import replaces the store's contents with the profile at path. The live
// table holds the allocations still outstanding at the end of the stream.
func (d *DB) Import(ctx context.Context, path string) (Summary, error) {
	r, err := mprof.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer r.Close()

	tables, err := r.Tables()
	if err != nil {
		return Summary{}, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"names", "pcs", "callstacks", "callstack_frames", "tokens", "live", "modules"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return Summary{}, fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if err := insertTables(ctx, tx, tables); err != nil {
		return Summary{}, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tokens
		(seq, file, kind, pointer, new_pointer, size, callstack, script_callstack, subtype, payload, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Summary{}, fmt.Errorf("preparing token insert: %w", err)
	}
	defer stmt.Close()

	live := make(map[uint64]liveAlloc)
	sum := Summary{
		Callstacks: len(tables.Callstacks),
		Names:      len(tables.Names),
		DataFiles:  r.Header().NumDataFiles,
	}
	for seq := 0; ; seq++ {
		tok, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Summary{}, err
		}
		var subtype, text any
		if tok.Type == mprof.TypeOther {
			subtype = tok.Subtype.String()
			text = tok.Text
		}
		if _, err := stmt.ExecContext(ctx, seq, tok.File, tok.Type.String(),
			int64(tok.Pointer), int64(tok.NewPointer), tok.Size, tok.Callstack,
			tok.ScriptCallstack, subtype, tok.Payload, text); err != nil {
			return Summary{}, fmt.Errorf("inserting token %d: %w", seq, err)
		}
		sum.Tokens++

		switch tok.Type {
		case mprof.TypeMalloc:
			live[tok.Pointer] = liveAlloc{size: tok.Size, callstack: tok.Callstack}
		case mprof.TypeFree:
			delete(live, tok.Pointer)
		case mprof.TypeRealloc:
			delete(live, tok.Pointer)
			live[tok.NewPointer] = liveAlloc{size: tok.Size, callstack: tok.Callstack}
		}
	}

	for ptr, a := range live {
		if _, err := tx.ExecContext(ctx, "INSERT INTO live (pointer, size, callstack) VALUES (?, ?, ?)",
			int64(ptr), a.size, a.callstack); err != nil {
			return Summary{}, fmt.Errorf("inserting live allocation: %w", err)
		}
		sum.Live++
		sum.LiveBytes += uint64(a.size)
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, fmt.Errorf("commit: %w", err)
	}
	return sum, nil
}

func insertTables(ctx context.Context, tx *sql.Tx, t *mprof.Tables) error {
	for i, n := range t.Names {
		if _, err := tx.ExecContext(ctx, "INSERT INTO names (id, name) VALUES (?, ?)", i, n); err != nil {
			return fmt.Errorf("inserting name: %w", err)
		}
	}
	for i, pc := range t.PCs {
		if _, err := tx.ExecContext(ctx, "INSERT INTO pcs (id, address, file, function, line) VALUES (?, ?, ?, ?, ?)",
			i, int64(pc.Address), pc.File, pc.Function, pc.Line); err != nil {
			return fmt.Errorf("inserting pc: %w", err)
		}
	}
	for i, cs := range t.Callstacks {
		if _, err := tx.ExecContext(ctx, "INSERT INTO callstacks (id, crc, truncated) VALUES (?, ?, ?)",
			i, cs.CRC, cs.Truncated); err != nil {
			return fmt.Errorf("inserting callstack: %w", err)
		}
		for depth, pc := range cs.PCs {
			if _, err := tx.ExecContext(ctx, "INSERT INTO callstack_frames (callstack, depth, pc) VALUES (?, ?, ?)",
				i, depth, pc); err != nil {
				return fmt.Errorf("inserting callstack frame: %w", err)
			}
		}
	}
	for _, m := range t.Modules {
		if _, err := tx.ExecContext(ctx, "INSERT INTO modules (name, path, guid) VALUES (?, ?, ?)",
			m.Name, m.Path, m.GUID.String()); err != nil {
			return fmt.Errorf("inserting module: %w", err)
		}
	}
	return nil
}

// CallstackUsage is the live memory attributed to one callstack.
type CallstackUsage struct {
	Callstack int32
	Bytes     uint64
	Count     int
	Frames    []string
}

// TopCallstacks returns the n callstacks holding the most live bytes.
func (d *DB) TopCallstacks(ctx context.Context, n int) ([]CallstackUsage, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT callstack, SUM(size), COUNT(*) FROM live
		GROUP BY callstack ORDER BY SUM(size) DESC, callstack LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying live allocations: %w", err)
	}
	defer rows.Close()

	var out []CallstackUsage
	for rows.Next() {
		var u CallstackUsage
		if err := rows.Scan(&u.Callstack, &u.Bytes, &u.Count); err != nil {
			return nil, fmt.Errorf("scanning: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		frames, err := d.frames(ctx, out[i].Callstack)
		if err != nil {
			return nil, err
		}
		out[i].Frames = frames
	}
	return out, nil
}

func (d *DB) frames(ctx context.Context, callstack int32) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT COALESCE(n.name, printf('0x%x', p.address))
		FROM callstack_frames f
		JOIN pcs p ON p.id = f.pc
		LEFT JOIN names n ON n.id = p.function
		WHERE f.callstack = ? ORDER BY f.depth`, callstack)
	if err != nil {
		return nil, fmt.Errorf("querying frames: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning frame: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Snapshots returns the names of snapshot markers in stream order.
func (d *DB) Snapshots(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT text FROM tokens WHERE subtype = ? ORDER BY seq",
		mprof.SubtypeSnapshot.String())
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
