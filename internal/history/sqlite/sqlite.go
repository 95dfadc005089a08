package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/mt5prov/internal/history/sqlstore"
)

var dialect = sqlstore.Dialect{
	TimeType:    "TIMESTAMP",
	Now:         "(CURRENT_TIMESTAMP)",
	IntType:     "INTEGER",
	Placeholder: sqlstore.QuestionMarks,
	Tiebreak:    "rowid DESC",
}

// Sink keeps history in a SQLite file (pure Go driver, no cgo).
type Sink struct {
	*sqlstore.Store
}

// New opens "sqlite:///path/file.db", "sqlite://:memory:", a bare path or ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases live per connection
	db.SetMaxOpenConns(1)
	st, err := sqlstore.New(db, dialect)
	if err != nil {
		return nil, err
	}
	return &Sink{Store: st}, nil
}
