package factory

import (
	"errors"
	"strings"

	"github.com/loykin/stepq/internal/queue"
	pg "github.com/loykin/stepq/internal/queue/postgres"
	sq "github.com/loykin/stepq/internal/queue/sqlite"
)

// NewFromDSN selects a queue backend based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or a bare file path
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string, opts queue.Options) (*queue.SQL, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d, opts)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):], opts)
	}
	return sq.New(d, opts)
}
