package ledger

import (
	_ "github.com/lib/pq"
)

type PostgresBackend struct {
	*sqlBackend
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	inner, err := newSQLBackend(dsn, sqlDialect{
		name:        "postgres",
		driver:      "postgres",
		placeholder: dollarPlaceholder,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{sqlBackend: inner}, nil
}
