package sqlitestore

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	_ "embed" // for side effect

	_ "modernc.org/sqlite" // for side effect

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// errors form database
var (
	// ErrNoRowsAffected by the operation.
	ErrNoRowsAffected = errors.New("no rows affected by operation")

	// ErrDBAlreadyClosed is returned if you call Close and the database is either already closed or it was
	// never opened in the first place.
	ErrDBAlreadyClosed = errors.New("database already closed")
)

// SqliteStore keeps the uplink history and the notification journal.
type SqliteStore struct {
	dbSpec string
	log    logrus.FieldLogger
	mu     sync.RWMutex
	db     *sqlx.DB
}

var (
	//go:embed schema.sql
	schema string

	// regexp for matching comments and empty lines
	commentsAndEmptyLinesRegex = regexp.MustCompile("--.*?\n$|^\\s+$")
)

// New creates a new sqliteStore instance. If the database does not exist
// it is created.
func New(dbSpec string, log logrus.FieldLogger) (*SqliteStore, bool, error) {
	db, created, err := openDB(dbSpec, log)
	if err != nil {
		return nil, false, err
	}

	return &SqliteStore{
		dbSpec: dbSpec,
		log:    log,
		db:     db,
	}, created, nil
}

// Close the sqliteStore.
func (s *SqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrDBAlreadyClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func openDB(dbSpec string, log logrus.FieldLogger) (*sqlx.DB, bool, error) {
	// If the file does not already exist or the database is not an in-memory database
	// we need to create the schema.
	dbNeedsCreation := true
	if !strings.Contains(dbSpec, ":memory:") {
		_, err := os.Stat(dbSpec)
		dbNeedsCreation = os.IsNotExist(err)
	}

	db, err := sqlx.Open("sqlite", dbSpec)
	if err != nil {
		return nil, false, fmt.Errorf("unable to open database: %w", err)
	}
	// one writer; an in-memory database also lives only as long as its connection
	db.SetMaxOpenConns(1)

	err = db.Ping()
	if err != nil {
		return nil, false, fmt.Errorf("unable to ping database: %w", err)
	}

	// the schema only uses IF NOT EXISTS, so it is applied to old files too
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("unable to create schema: %w", err)
	}
	if dbNeedsCreation {
		log.WithField("db", dbSpec).Info("created database")
	}

	return db, dbNeedsCreation, nil
}

// createSchema populates a schema into an sqlx database handle
func createSchema(db *sqlx.DB) error {
	// Create the schema first
	for n, statement := range strings.Split(schema, ";") {
		statement = trimCommentsAndWhitespace(statement)

		if statement == "" {
			continue
		}

		_, err := db.Exec(statement)
		if err != nil {
			return fmt.Errorf("statement %d failed: \"%s\" : %w", n+1, statement, err)
		}
	}

	return nil
}

// trimCommentsAndWhitespace removes comments and superfluous whitespace
func trimCommentsAndWhitespace(s string) string {
	sb := strings.Builder{}

	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		b := commentsAndEmptyLinesRegex.ReplaceAll([]byte(line), nil)
		sb.Write(b)
	}
	return sb.String()
}

// CheckForZeroRowsAffected ensures that if zero rows are affected by operations that
// should have side-effects, an error is returned.
func CheckForZeroRowsAffected(r sql.Result, err error) error {
	if r == nil {
		return err
	}
	affected, err2 := r.RowsAffected()
	if err2 != nil {
		return err2
	}
	if affected == 0 {
		return ErrNoRowsAffected
	}

	return err
}
