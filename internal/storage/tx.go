// README: Transaction contract shared by every store backend.
package storage

import "context"

// TxManager runs fn inside a single store transaction. The context passed
// to fn carries the transaction; stores pick it up from there. Nested calls
// join the outer transaction.
//
// AfterCommit registers fn to run once the outermost transaction commits.
// Hooks receive the context the outermost WithinTx was called with, so they
// may open transactions of their own. Outside a transaction fn runs
// immediately. Hooks never run on rollback.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	AfterCommit(ctx context.Context, fn func(ctx context.Context))
}
