// README: In-memory store backend with serialised transactions, for tests and local runs.
package memory

import (
	"context"
	"sync"
)

type txKey struct{}

type txState struct {
	db    *DB
	undo  []func()
	hooks []func(ctx context.Context)
}

// DB holds every table. One transaction runs at a time; statements outside
// a transaction run as their own single-statement transaction.
type DB struct {
	txMu sync.Mutex
	t    tables
}

func New() *DB {
	return &DB{t: newTables()}
}

func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.db == db {
		return fn(ctx)
	}

	db.txMu.Lock()
	st := &txState{db: db}
	committed := false
	defer func() {
		if !committed {
			st.rollback()
		}
		db.txMu.Unlock()
		if committed {
			for _, h := range st.hooks {
				h(ctx)
			}
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		return err
	}
	committed = true
	return nil
}

func (db *DB) AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.db == db {
		st.hooks = append(st.hooks, fn)
		return
	}
	fn(ctx)
}

func (st *txState) rollback() {
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	st.undo = nil
}

// exec runs fn against the tables, joining the caller's transaction when
// ctx carries one. fn registers undo steps for its writes.
func (db *DB) exec(ctx context.Context, fn func(t *tables, undo func(func())) error) error {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.db == db {
		return fn(&db.t, func(u func()) { st.undo = append(st.undo, u) })
	}

	db.txMu.Lock()
	defer db.txMu.Unlock()
	st := &txState{db: db}
	if err := fn(&db.t, func(u func()) { st.undo = append(st.undo, u) }); err != nil {
		st.rollback()
		return err
	}
	return nil
}
