package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise; fn's error is returned unchanged.
func InTx(ctx context.Context, pool Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			zap.L().Warn("db: rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit tx")
	}
	return nil
}

// Savepoint runs fn under a named savepoint of tx. On error the transaction
// is rolled back to the savepoint, leaving it usable, and fn's error is
// returned.
func Savepoint(ctx context.Context, tx pgx.Tx, name string, fn func() error) error {
	ident := pgx.Identifier{name}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+ident); err != nil {
		return eris.Wrapf(err, "db: savepoint %s", name)
	}

	if err := fn(); err != nil {
		if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+ident); rbErr != nil {
			zap.L().Warn("db: rollback to savepoint failed", zap.String("savepoint", name), zap.Error(rbErr))
		}
		return err
	}

	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+ident); err != nil {
		return eris.Wrapf(err, "db: release savepoint %s", name)
	}
	return nil
}
