package docsql

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/apostrophecms/sql/internal/metadata"
	"github.com/apostrophecms/sql/pkg/docsql/matcher"
)

// Mode is the deployment mode. It is fixed for the lifetime of a [DB].
type Mode = metadata.Mode

const (
	// Development lets operations mint new promoted columns and persist them
	// to the metadata directory.
	Development = metadata.Development

	// Locked refuses any operation that needs a column the metadata
	// directory does not already record.
	Locked = metadata.Locked
)

// ParseMode parses "development", "locked" or "production".
func ParseMode(s string) (Mode, error) {
	return metadata.ParseMode(s)
}

// ModeFromEnv reads the deployment mode from DOCSQL_MODE, or from
// DOCSQL_LOCKED=1 when DOCSQL_MODE is unset. Call it once at startup and pass
// the result in [Config.Mode].
func ModeFromEnv(getenv func(string) string) (Mode, error) {
	if s := strings.TrimSpace(getenv("DOCSQL_MODE")); s != "" {
		m, err := ParseMode(s)
		if err != nil {
			return Development, fmt.Errorf("DOCSQL_MODE: %w", err)
		}

		return m, nil
	}

	switch strings.ToLower(strings.TrimSpace(getenv("DOCSQL_LOCKED"))) {
	case "1", "true", "yes":
		return Locked, nil
	default:
		return Development, nil
	}
}

// Config configures [Open].
type Config struct {
	// DB is an open database handle. The caller keeps ownership and must
	// close it after [DB.Close]. When nil, Path is opened instead.
	DB *sql.DB

	// Path is the SQLite database file opened when DB is nil.
	Path string

	// MetadataDir holds one column descriptor per collection. Required.
	// Commit it alongside the application so locked deployments know every
	// column.
	MetadataDir string

	Mode Mode

	// MaxIdentifierLength bounds column names. Defaults to 63.
	MaxIdentifierLength int

	// LockTimeout bounds waiting for the metadata directory lock.
	LockTimeout time.Duration

	// Logger defaults to discarding.
	Logger *slog.Logger

	// Compiler builds the in-memory predicate filter. Defaults to
	// [matcher.Default].
	Compiler matcher.Compiler

	// Now is the clock used by $currentDate. Defaults to time.Now.
	Now func() time.Time

	// Metrics receives the docsql_* counters. Defaults to a private set,
	// readable through [DB.WriteMetrics].
	Metrics *metrics.Set
}
