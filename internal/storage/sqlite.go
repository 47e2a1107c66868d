package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dshills/reposearch-mcp/internal/lexical"
	"github.com/dshills/reposearch-mcp/internal/logging"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// deleteBatchSize bounds the number of IDs bound into one DELETE statement.
const deleteBatchSize = 500

var payloadKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLiteStore implements VectorStore on a single SQLite database. Dense
// similarity is computed in Go; lexical search uses FTS5.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and applies
// pending migrations. ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", types.ErrStoreConnection, err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: failed to apply migrations: %v", types.ErrStoreConnection, err)
	}

	logger = logging.OrDefault(logger)
	logger.Debug("storage.sqlite_open", "path", dbPath, "driver", DriverName, "build_mode", BuildMode)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", types.ErrTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %v", types.ErrCancelled, op, err)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrStoreOperation, op, err)
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Collection operations

func (s *SQLiteStore) collectionSpec(ctx context.Context, q querier, name string) (CollectionSpec, error) {
	var spec CollectionSpec
	var distance string
	err := q.QueryRowContext(ctx,
		"SELECT dimension, distance, sparse FROM collections WHERE name = ?", name,
	).Scan(&spec.Dimension, &distance, &spec.Sparse)
	if err == sql.ErrNoRows {
		return spec, notFound(name)
	}
	if err != nil {
		return spec, storeErr("read collection", err)
	}
	spec.Distance = Distance(distance)
	return spec, nil
}

func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, spec CollectionSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	spec.Distance, _ = ParseDistance(string(spec.Distance))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, dimension, distance, sparse) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, spec.Dimension, string(spec.Distance), spec.Sparse)
	if err != nil {
		return storeErr("create collection", err)
	}
	existing, err := s.collectionSpec(ctx, s.db, name)
	if err != nil {
		return err
	}
	return spec.conflicts(existing)
}

func (s *SQLiteStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, storeErr("collection exists", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	spec, err := s.collectionSpec(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE collection = ?", name).Scan(&count); err != nil {
		return nil, storeErr("count points", err)
	}
	return &CollectionInfo{
		Name:        name,
		Dimension:   spec.Dimension,
		Distance:    spec.Distance,
		Sparse:      spec.Sparse,
		PointsCount: count,
		Status:      StatusReady,
	}, nil
}

func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Points go first so the FTS delete trigger sees every row
	if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE collection = ?", name); err != nil {
		return storeErr("delete points", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name); err != nil {
		return storeErr("delete collection", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, storeErr("list collections", err)
	}
	defer func() { _ = rows.Close() }()

	names := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, storeErr("scan collection", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list collections", err)
	}
	return names, nil
}

// Point operations

const upsertPointSQL = `
INSERT INTO points (collection, point_id, vector, sparse, payload, file_path, branch, content, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(collection, point_id) DO UPDATE SET
    vector = excluded.vector,
    sparse = excluded.sparse,
    payload = excluded.payload,
    file_path = excluded.file_path,
    branch = excluded.branch,
    content = excluded.content,
    updated_at = CURRENT_TIMESTAMP`

func (s *SQLiteStore) UpsertPoints(ctx context.Context, name string, points []types.Point) (*UpsertResult, error) {
	spec, err := s.collectionSpec(ctx, s.db, name)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertPointSQL)
	if err != nil {
		return nil, storeErr("prepare upsert", err)
	}
	defer func() { _ = stmt.Close() }()

	res := &UpsertResult{}
	for _, p := range points {
		if err := types.ContextError(ctx); err != nil {
			return nil, err
		}
		if err := checkPoint(p, spec); err != nil {
			res.Failed = append(res.Failed, PointFailure{ID: p.ID, Err: err})
			continue
		}
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			res.Failed = append(res.Failed, PointFailure{ID: p.ID, Err: fmt.Errorf("encode payload: %w", err)})
			continue
		}
		var sparse any
		if spec.Sparse && p.Sparse != nil {
			b, err := json.Marshal(p.Sparse)
			if err != nil {
				res.Failed = append(res.Failed, PointFailure{ID: p.ID, Err: fmt.Errorf("encode sparse vector: %w", err)})
				continue
			}
			sparse = string(b)
		}
		_, err = stmt.ExecContext(ctx, name, p.ID, serializeVector(p.Vector), sparse, string(payload),
			p.String(types.PayloadFilePath), p.String(types.PayloadBranch), p.String(types.PayloadContent))
		if err != nil {
			res.Failed = append(res.Failed, PointFailure{ID: p.ID, Err: err})
			continue
		}
		res.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", err)
	}
	return res, nil
}

func (s *SQLiteStore) DeletePoints(ctx context.Context, name string, sel Selector) error {
	if err := sel.validate(); err != nil {
		return err
	}
	if _, err := s.collectionSpec(ctx, s.db, name); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(sel.IDs) > 0 {
		for start := 0; start < len(sel.IDs); start += deleteBatchSize {
			end := min(start+deleteBatchSize, len(sel.IDs))
			batch := sel.IDs[start:end]
			args := make([]any, 0, len(batch)+1)
			args = append(args, name)
			for _, id := range batch {
				args = append(args, id)
			}
			query := "DELETE FROM points WHERE collection = ? AND point_id IN (" + placeholders(len(batch)) + ")"
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return storeErr("delete points", err)
			}
		}
	} else {
		where, args, err := filterSQL(sel.Filter, "")
		if err != nil {
			return err
		}
		query := "DELETE FROM points WHERE collection = ?" + where
		if _, err := tx.ExecContext(ctx, query, append([]any{name}, args...)...); err != nil {
			return storeErr("delete points", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, name string, q SearchQuery) ([]ScoredPoint, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	spec, err := s.collectionSpec(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	switch {
	case q.Dense():
		if len(q.Vector) != spec.Dimension {
			return nil, fmt.Errorf("%w: query dimension %d, collection expects %d",
				types.ErrStoreOperation, len(q.Vector), spec.Dimension)
		}
		return s.searchScan(ctx, name, q, func(p types.Point) float64 {
			return similarity(spec.Distance, q.Vector, p.Vector)
		})
	case strings.TrimSpace(q.Text) != "" && ftsQuery(q.Text) != "":
		return s.searchText(ctx, name, q)
	default:
		query := q.Sparse
		if query.Len() == 0 {
			query = lexical.Encode(q.Text)
		}
		return s.searchScan(ctx, name, q, func(p types.Point) float64 {
			if p.Sparse == nil {
				return lexical.Dot(query, lexical.Encode(p.String(types.PayloadContent)))
			}
			return lexical.Dot(query, p.Sparse)
		})
	}
}

// searchScan scores every candidate row in Go.
func (s *SQLiteStore) searchScan(ctx context.Context, name string, q SearchQuery, score func(types.Point) float64) ([]ScoredPoint, error) {
	where, args, err := filterSQL(q.Filter, "")
	if err != nil {
		return nil, err
	}
	query := "SELECT point_id, vector, sparse, payload FROM points WHERE collection = ?" + where
	rows, err := s.db.QueryContext(ctx, query, append([]any{name}, args...)...)
	if err != nil {
		return nil, storeErr("search", err)
	}
	defer func() { _ = rows.Close() }()

	lexicalScan := !q.Dense()
	hits := make([]ScoredPoint, 0)
	for rows.Next() {
		p, err := scanPoint(rows, true)
		if err != nil {
			return nil, err
		}
		sc := score(p)
		if lexicalScan && sc <= 0 {
			continue
		}
		if !q.passes(sc) {
			continue
		}
		if !q.WithVectors {
			p.Vector, p.Sparse = nil, nil
		}
		hits = append(hits, ScoredPoint{Point: p, Score: sc})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search", err)
	}

	sortScored(hits)
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (s *SQLiteStore) searchText(ctx context.Context, name string, q SearchQuery) ([]ScoredPoint, error) {
	where, args, err := filterSQL(q.Filter, "p.")
	if err != nil {
		return nil, err
	}
	query := `
		SELECT p.point_id, p.vector, p.sparse, p.payload, bm25(points_fts) AS bm25_score
		FROM points_fts
		INNER JOIN points p ON p.id = points_fts.rowid
		WHERE points_fts MATCH ? AND p.collection = ?` + where + `
		ORDER BY bm25_score LIMIT ?`
	all := append([]any{ftsQuery(q.Text), name}, args...)
	all = append(all, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, storeErr("text search", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]ScoredPoint, 0, q.Limit)
	for rows.Next() {
		var (
			id              string
			vector          []byte
			sparse, payload sql.NullString
			rank            float64
		)
		if err := rows.Scan(&id, &vector, &sparse, &payload, &rank); err != nil {
			return nil, storeErr("scan result", err)
		}
		p, err := decodePoint(id, vector, sparse, payload, q.WithVectors)
		if err != nil {
			return nil, err
		}
		sc := normalizeBM25(rank)
		if !q.passes(sc) {
			continue
		}
		hits = append(hits, ScoredPoint{Point: p, Score: sc})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("text search", err)
	}
	return hits, nil
}

func (s *SQLiteStore) Scroll(ctx context.Context, name string, req ScrollRequest) (*ScrollPage, error) {
	if _, err := s.collectionSpec(ctx, s.db, name); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultScrollLimit
	}
	where, args, err := filterSQL(req.Filter, "")
	if err != nil {
		return nil, err
	}
	query := "SELECT point_id, vector, sparse, payload FROM points WHERE collection = ? AND point_id >= ?" +
		where + " ORDER BY point_id LIMIT ?"
	all := append([]any{name, req.Offset}, args...)
	all = append(all, limit+1)

	rows, err := s.db.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, storeErr("scroll", err)
	}
	defer func() { _ = rows.Close() }()

	page := &ScrollPage{Points: make([]types.Point, 0, limit)}
	for rows.Next() {
		p, err := scanPoint(rows, req.WithVectors)
		if err != nil {
			return nil, err
		}
		if len(page.Points) == limit {
			page.NextOffset = p.ID
			break
		}
		page.Points = append(page.Points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scroll", err)
	}
	return page, nil
}

func (s *SQLiteStore) Count(ctx context.Context, name string, filter *Filter) (int64, error) {
	if _, err := s.collectionSpec(ctx, s.db, name); err != nil {
		return 0, err
	}
	where, args, err := filterSQL(filter, "")
	if err != nil {
		return 0, err
	}
	var n int64
	query := "SELECT COUNT(*) FROM points WHERE collection = ?" + where
	if err := s.db.QueryRowContext(ctx, query, append([]any{name}, args...)...).Scan(&n); err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// filterSQL renders f as " AND ..." clauses over columns qualified by prefix.
// file_path and branch use their own columns; other keys read the JSON payload.
func filterSQL(f *Filter, prefix string) (string, []any, error) {
	if f.Empty() {
		return "", nil, nil
	}
	var b strings.Builder
	var args []any
	for _, c := range f.Must {
		var column string
		switch c.Key {
		case types.PayloadFilePath, types.PayloadBranch:
			column = prefix + c.Key
		default:
			if !payloadKeyPattern.MatchString(c.Key) {
				return "", nil, fmt.Errorf("%w: invalid filter key %q", types.ErrStoreOperation, c.Key)
			}
			column = "json_extract(" + prefix + "payload, '$." + c.Key + "')"
		}
		if len(c.Values) == 0 {
			b.WriteString(" AND 0")
			continue
		}
		b.WriteString(" AND " + column + " IN (" + placeholders(len(c.Values)) + ")")
		args = append(args, c.Values...)
	}
	return b.String(), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanPoint(rows *sql.Rows, withVectors bool) (types.Point, error) {
	var (
		id              string
		vector          []byte
		sparse, payload sql.NullString
	)
	if err := rows.Scan(&id, &vector, &sparse, &payload); err != nil {
		return types.Point{}, storeErr("scan point", err)
	}
	return decodePoint(id, vector, sparse, payload, withVectors)
}

func decodePoint(id string, vector []byte, sparse, payload sql.NullString, withVectors bool) (types.Point, error) {
	p := types.Point{ID: id, Payload: map[string]any{}}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &p.Payload); err != nil {
			return p, fmt.Errorf("%w: decode payload of %s: %v", types.ErrStoreOperation, id, err)
		}
	}
	if !withVectors {
		return p, nil
	}
	p.Vector = deserializeVector(vector)
	if sparse.Valid && sparse.String != "" {
		p.Sparse = &types.SparseVector{}
		if err := json.Unmarshal([]byte(sparse.String), p.Sparse); err != nil {
			return p, fmt.Errorf("%w: decode sparse vector of %s: %v", types.ErrStoreOperation, id, err)
		}
	}
	return p, nil
}
