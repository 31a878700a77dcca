// Package sqlite is a SQLite-backed host for bdtree.PointerTable and
// bdtree.NodeTable, giving the tree durable storage instead of the
// in-process memstore/cowhost hosts. Each table is one SQLite table; the
// pointer table's optimistic CAS is expressed directly as a conditional
// UPDATE guarded by the expected version.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tellproject/bdtree"
)

const schema = `
CREATE TABLE IF NOT EXISTS bdtree_pointers (
	logical_ptr INTEGER PRIMARY KEY,
	physical_ptr INTEGER NOT NULL,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bdtree_nodes (
	physical_ptr INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS bdtree_counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO bdtree_counters(name, value) VALUES ('logical_ptr', 0);
INSERT OR IGNORE INTO bdtree_counters(name, value) VALUES ('physical_ptr', 0);
`

// Host is a SQLite-backed pair of host tables. Open one per database file (or
// ":memory:" for a throwaway instance); it is safe for concurrent use, the
// same way *sql.DB is.
type Host struct {
	db *sql.DB
}

// Open creates or attaches to a SQLite database at path and ensures the
// bdtree schema exists.
func Open(path string) (*Host, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("bdtree/sqlite: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bdtree/sqlite: create schema: %w", err)
	}
	return &Host{db: db}, nil
}

// Close releases the underlying *sql.DB.
func (h *Host) Close() error { return h.db.Close() }

// PointerTableView exposes this Host's pointer-table half as a
// bdtree.PointerTable.
func (h *Host) PointerTableView() bdtree.PointerTable { return pointerTable{h.db} }

// NodeTableView exposes this Host's node-table half as a bdtree.NodeTable.
func (h *Host) NodeTableView() bdtree.NodeTable { return nodeTable{h.db} }

func allocateCounter(ctx context.Context, db *sql.DB, name string) (uint64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var value uint64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM bdtree_counters WHERE name = ?`, name).Scan(&value); err != nil {
		return 0, err
	}
	value++
	if _, err := tx.ExecContext(ctx, `UPDATE bdtree_counters SET value = ? WHERE name = ?`, value, name); err != nil {
		return 0, err
	}
	return value, tx.Commit()
}

type pointerTable struct{ db *sql.DB }

func (t pointerTable) AllocateNext(ctx context.Context) (bdtree.LogicalPointer, error) {
	v, err := allocateCounter(ctx, t.db, "logical_ptr")
	return bdtree.LogicalPointer(v), err
}

func (t pointerTable) Read(ctx context.Context, l bdtree.LogicalPointer) (bdtree.PhysicalPointer, uint64, error) {
	var p, version uint64
	err := t.db.QueryRowContext(ctx,
		`SELECT physical_ptr, version FROM bdtree_pointers WHERE logical_ptr = ?`, uint64(l),
	).Scan(&p, &version)
	if err == sql.ErrNoRows {
		return 0, 0, bdtree.ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return bdtree.PhysicalPointer(p), version, nil
}

func (t pointerTable) Insert(ctx context.Context, l bdtree.LogicalPointer, p bdtree.PhysicalPointer) (uint64, error) {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO bdtree_pointers(logical_ptr, physical_ptr, version) VALUES (?, ?, 1)`, uint64(l), uint64(p))
	if isUniqueConstraint(err) {
		return 0, bdtree.ErrExists
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (t pointerTable) Update(ctx context.Context, l bdtree.LogicalPointer, newP bdtree.PhysicalPointer, expectedVersion uint64) (uint64, error) {
	newVersion := expectedVersion + 1
	res, err := t.db.ExecContext(ctx,
		`UPDATE bdtree_pointers SET physical_ptr = ?, version = ? WHERE logical_ptr = ? AND version = ?`,
		uint64(newP), newVersion, uint64(l), expectedVersion)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		_, curVersion, readErr := t.Read(ctx, l)
		if readErr != nil {
			return 0, readErr
		}
		return 0, &bdtree.WrongVersionError{Current: curVersion}
	}
	return newVersion, nil
}

func (t pointerTable) Remove(ctx context.Context, l bdtree.LogicalPointer, expectedVersion uint64) error {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM bdtree_pointers WHERE logical_ptr = ? AND version = ?`, uint64(l), expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, curVersion, readErr := t.Read(ctx, l)
		if readErr != nil {
			return readErr
		}
		return &bdtree.WrongVersionError{Current: curVersion}
	}
	return nil
}

type nodeTable struct{ db *sql.DB }

func (t nodeTable) AllocateNext(ctx context.Context) (bdtree.PhysicalPointer, error) {
	v, err := allocateCounter(ctx, t.db, "physical_ptr")
	return bdtree.PhysicalPointer(v), err
}

func (t nodeTable) Read(ctx context.Context, p bdtree.PhysicalPointer) ([]byte, error) {
	var data []byte
	err := t.db.QueryRowContext(ctx, `SELECT data FROM bdtree_nodes WHERE physical_ptr = ?`, uint64(p)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, bdtree.ErrNotFound
	}
	return data, err
}

func (t nodeTable) Insert(ctx context.Context, p bdtree.PhysicalPointer, data []byte) error {
	_, err := t.db.ExecContext(ctx, `INSERT INTO bdtree_nodes(physical_ptr, data) VALUES (?, ?)`, uint64(p), data)
	if isUniqueConstraint(err) {
		return bdtree.ErrExists
	}
	return err
}

func (t nodeTable) Remove(ctx context.Context, p bdtree.PhysicalPointer) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM bdtree_nodes WHERE physical_ptr = ?`, uint64(p))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return bdtree.ErrNotFound
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 reports constraint violations as sqlite3.Error with
	// ExtendedCode sqlite3.ErrConstraintPrimaryKey/ErrConstraintUnique; string
	// matching keeps this file from importing the driver's internal type.
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint") ||
		strings.Contains(s, "PRIMARY KEY constraint") ||
		strings.Contains(s, "constraint failed")
}
