package utils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
)

// txConn is a minimal driver connection that records transaction outcomes.
type txConn struct {
	committed  int
	rolledBack int
}

func (c *txConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *txConn) Close() error                        { return nil }
func (c *txConn) Begin() (driver.Tx, error)           { return &txRecorder{c: c}, nil }

type txRecorder struct{ c *txConn }

func (t *txRecorder) Commit() error   { t.c.committed++; return nil }
func (t *txRecorder) Rollback() error { t.c.rolledBack++; return nil }

type txDriver struct{ conn *txConn }

func (d *txDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

var driverSeq atomic.Int64

func openFakeDB(t *testing.T) (*sql.DB, *txConn) {
	t.Helper()
	conn := &txConn{}
	name := fmt.Sprintf("txfake-%d", driverSeq.Add(1))
	sql.Register(name, &txDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, conn
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db, conn := openFakeDB(t)

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if conn.committed != 1 || conn.rolledBack != 0 {
		t.Fatalf("expected 1 commit, 0 rollbacks, got %d/%d", conn.committed, conn.rolledBack)
	}
}

func TestWithTx_RollsBackAndReturnsSentinelUnwrapped(t *testing.T) {
	db, conn := openFakeDB(t)
	sentinel := errors.New("domain sentinel")

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("fn error must come back unwrapped, got %v", err)
	}
	if conn.committed != 0 || conn.rolledBack != 1 {
		t.Fatalf("expected 0 commits, 1 rollback, got %d/%d", conn.committed, conn.rolledBack)
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	db, conn := openFakeDB(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
			panic("boom")
		})
	}()

	if conn.committed != 0 || conn.rolledBack != 1 {
		t.Fatalf("expected 0 commits, 1 rollback, got %d/%d", conn.committed, conn.rolledBack)
	}
}
