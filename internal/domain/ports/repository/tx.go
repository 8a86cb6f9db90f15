package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle. The concrete type is infra-defined
// (pgx.Tx for Postgres); repositories accept nil for the non-transactional path.
type Tx interface{}

var NoTX interface{}

// TransactionManager runs fn inside a database transaction and commits when
// fn returns nil. Repositories called with the tx handle share the
// transaction, so row locks taken with SELECT ... FOR UPDATE hold until fn
// returns.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
