package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-cache.db"

// OpenSQLiteStorage opens (or creates) a SQLite database at path and applies
// the cache schema.
func OpenSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接即可满足缓存写入频率，并避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := validateGenerationName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (name, created_at) VALUES (?, ?)`,
		name, toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	return &sqliteGeneration{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Generation(ctx context.Context, name string) (Generation, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return &sqliteGeneration{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateGenerationName(name); err != nil {
		return false, err
	}
	return generationExists(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func generationExists(ctx context.Context, q queryer, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM cache_generations WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM cache_generations ORDER BY created_at, rowid`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateGenerationName(name); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Match(ctx context.Context, key Key) (*Response, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT e.status, e.header, e.body, e.response_type, e.final_url, e.stored_at
		   FROM cache_entries e
		   JOIN cache_generations g ON g.name = e.generation
		  WHERE e.method = ? AND e.url = ?
		  ORDER BY g.created_at, g.rowid
		  LIMIT 1`,
		key.Method, key.URL,
	)
	return scanResponse(row)
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteGeneration struct {
	db   *sql.DB
	name string
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := generationExists(ctx, tx, g.name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		   (generation, method, url, status, header, body, response_type, final_url, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.name, key.Method, key.URL, resp.Status, string(header), body,
		string(resp.Type), resp.URL, toMillis(resp.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return tx.Commit()
}

func (g *sqliteGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	ok, err := generationExists(ctx, g.db, g.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	row := g.db.QueryRowContext(ctx,
		`SELECT status, header, body, response_type, final_url, stored_at
		   FROM cache_entries
		  WHERE generation = ? AND method = ? AND url = ?`,
		g.name, key.Method, key.URL,
	)
	return scanResponse(row)
}

func (g *sqliteGeneration) Remove(ctx context.Context, key Key) (bool, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE generation = ? AND method = ? AND url = ?`,
		g.name, key.Method, key.URL,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]Key, error) {
	ok, err := generationExists(ctx, g.db, g.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	rows, err := g.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE generation = ? ORDER BY method || ' ' || url`,
		g.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (g *sqliteGeneration) Stats(ctx context.Context) (Stats, error) {
	ok, err := generationExists(ctx, g.db, g.name)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		return Stats{}, ErrGenerationNotFound
	}
	var stats Stats
	err = g.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries WHERE generation = ?`,
		g.name,
	).Scan(&stats.Entries, &stats.Bytes)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func scanResponse(row *sql.Row) (*Response, error) {
	var (
		resp     Response
		header   string
		respType string
		storedAt int64
	)
	err := row.Scan(&resp.Status, &header, &resp.Body, &respType, &resp.URL, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	resp.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	resp.Type = ResponseType(respType)
	resp.StoredAt = fromMillis(storedAt)
	return &resp, nil
}
