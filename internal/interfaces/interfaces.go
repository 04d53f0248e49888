package interfaces

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX абстрагирует исполнителя запросов: им может быть *pgxpool.Pool или
// открытая транзакция pgx.Tx. Репозитории принимают DBTX, чтобы сервисы могли
// выполнять несколько операций в одной транзакции.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner выполняет функцию в атомарной единице работы хранилища.
// Postgres-реализация открывает транзакцию; memory-реализация сериализует
// мутации глобальным мьютексом (достаточно для single-instance dev/test).
type TxRunner interface {
	WithTx(ctx context.Context, fn func(q DBTX) error) error
}
