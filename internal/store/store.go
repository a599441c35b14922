package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Handle is what request handlers see of the store.
type Handle interface {
	Ping(ctx context.Context) error
	Document(ctx context.Context, collection, id string) (json.RawMessage, error)
	Search(ctx context.Context, collection, q string, limit int) ([]json.RawMessage, error)
}

type Config struct {
	ConnectionString string
	// Database overrides the database named in ConnectionString when set
	Database       string
	MaxConns       int32
	ConnectTimeout time.Duration
}

type Store struct {
	pool *pgxpool.Pool
}

// Doc is one document of a collection import
type Doc struct {
	ID   string
	Body json.RawMessage
}

// Connect opens the pool and verifies it with a ping. It makes exactly one
// attempt; the caller decides what a failure means.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		// the parse error may echo the connection string, keep it out of logs
		return nil, xerrors.New("parse database connection string")
	}
	if cfg.Database != "" {
		pc.ConnConfig.Database = cfg.Database
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, pc)
	if err != nil {
		return nil, xerrors.Wrap(err, "create pool")
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrapf(err, "ping database %s on %s", pc.ConnConfig.Database, pc.ConnConfig.Host)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Stats reports pool usage for metrics
func (s *Store) Stats() (total, idle, acquired int32) {
	st := s.pool.Stat()
	return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection text  NOT NULL,
	id         text  NOT NULL,
	body       jsonb NOT NULL,
	PRIMARY KEY (collection, id)
)`

// EnsureSchema creates the document table if it does not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return xerrors.Wrap(err, "ensure schema")
}

func (s *Store) Document(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "get %s/%s", collection, id)
	}
	return json.RawMessage(body), nil
}

// Search matches q against the document id and its "name" field
func (s *Store) Search(ctx context.Context, collection, q string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM documents
		 WHERE collection = $1 AND (id ILIKE $2 OR body->>'name' ILIKE $2)
		 ORDER BY id
		 LIMIT $3`,
		collection, likePattern(q), limit,
	)
	if err != nil {
		return nil, xerrors.Wrapf(err, "search %s", collection)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var b []byte
		err := row.Scan(&b)
		return json.RawMessage(b), err
	})
	return out, xerrors.Wrapf(err, "scan %s search", collection)
}

// ReplaceCollection swaps the whole content of a collection in one
// transaction so readers see either the old or the new set.
func (s *Store) ReplaceCollection(ctx context.Context, collection string, docs []Doc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return xerrors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1`, collection); err != nil {
		return xerrors.Wrapf(err, "clear %s", collection)
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"documents"},
		[]string{"collection", "id", "body"},
		pgx.CopyFromSlice(len(docs), func(i int) ([]any, error) {
			return []any{collection, docs[i].ID, docs[i].Body}, nil
		}),
	)
	if err != nil {
		return xerrors.Wrapf(err, "copy %s", collection)
	}
	if int(n) != len(docs) {
		return xerrors.Newf("copy %s: wrote %d of %d documents", collection, n, len(docs))
	}
	return xerrors.Wrap(tx.Commit(ctx), "commit")
}

// likePattern escapes LIKE metacharacters and wraps q for a contains match
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(q)) + "%"
}
