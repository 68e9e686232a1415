package store

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDB holds the database that backs one or more SQLiteMaps.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path in WAL mode.
// Pragmas go in the DSN so every pooled connection gets them.
func OpenSQLite(path string) (*SQLiteDB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &SQLiteDB{db: sqlDB}, nil
}

// Close closes the underlying database connection.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Map returns a Map stored in table, creating the table if needed.
func (d *SQLiteDB) Map(table string, maxValue int) (*SQLiteMap, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	schema := `CREATE TABLE IF NOT EXISTS ` + table + ` (
    key INTEGER PRIMARY KEY,
    value BLOB NOT NULL
)`
	if _, err := d.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &SQLiteMap{db: d.db, table: table, maxValue: maxValue}, nil
}

// SQLiteMap is a Map stored in one table of a SQLiteDB. Keys are stored as
// signed 64-bit integers, so ordering holds for keys below 1<<63.
type SQLiteMap struct {
	db       *sql.DB
	table    string
	maxValue int
}

func (m *SQLiteMap) query(format string) string {
	return strings.ReplaceAll(format, "{table}", m.table)
}

// Get implements Map.
func (m *SQLiteMap) Get(key uint64) ([]byte, error) {
	var value []byte
	err := m.db.QueryRow(m.query(`SELECT value FROM {table} WHERE key = ?`), int64(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%d: %w", m.table, key, err)
	}
	return value, nil
}

// Insert implements Map.
func (m *SQLiteMap) Insert(key uint64, value []byte) error {
	if len(value) > m.maxValue {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(value), m.maxValue)
	}
	res, err := m.db.Exec(m.query(`INSERT OR IGNORE INTO {table} (key, value) VALUES (?, ?)`), int64(key), value)
	if err != nil {
		return fmt.Errorf("insert %s/%d: %w", m.table, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s/%d: %w", m.table, key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrKeyExists, key)
	}
	return nil
}

// Put implements Map.
func (m *SQLiteMap) Put(key uint64, value []byte) error {
	if len(value) > m.maxValue {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(value), m.maxValue)
	}
	_, err := m.db.Exec(m.query(`INSERT INTO {table} (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`), int64(key), value)
	if err != nil {
		return fmt.Errorf("put %s/%d: %w", m.table, key, err)
	}
	return nil
}

// Delete implements Map.
func (m *SQLiteMap) Delete(key uint64) error {
	res, err := m.db.Exec(m.query(`DELETE FROM {table} WHERE key = ?`), int64(key))
	if err != nil {
		return fmt.Errorf("delete %s/%d: %w", m.table, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ascend implements Map. Keys are collected first and values fetched one at
// a time, so fn may call back into the map on the single shared connection.
func (m *SQLiteMap) Ascend(fn func(key uint64, value []byte) bool) error {
	rows, err := m.db.Query(m.query(`SELECT key FROM {table} ORDER BY key`))
	if err != nil {
		return fmt.Errorf("scan %s: %w", m.table, err)
	}

	var keys []uint64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan %s: %w", m.table, err)
		}
		keys = append(keys, uint64(k))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("scan %s: %w", m.table, err)
	}
	_ = rows.Close()

	for _, key := range keys {
		value, err := m.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(key, value) {
			return nil
		}
	}
	return nil
}

// LastKey implements Map.
func (m *SQLiteMap) LastKey() (uint64, bool) {
	var k sql.NullInt64
	if err := m.db.QueryRow(m.query(`SELECT MAX(key) FROM {table}`)).Scan(&k); err != nil || !k.Valid {
		return 0, false
	}
	return uint64(k.Int64), true
}

// Len implements Map.
func (m *SQLiteMap) Len() int {
	var n int
	if err := m.db.QueryRow(m.query(`SELECT COUNT(*) FROM {table}`)).Scan(&n); err != nil {
		return 0
	}
	return n
}

// SizeBytes implements Map.
func (m *SQLiteMap) SizeBytes() int64 {
	var n int64
	if err := m.db.QueryRow(m.query(`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM {table}`)).Scan(&n); err != nil {
		return 0
	}
	return n
}

// MaxValueSize implements Map.
func (m *SQLiteMap) MaxValueSize() int {
	return m.maxValue
}

// Close implements Map. The database itself is closed by its SQLiteDB.
func (m *SQLiteMap) Close() error {
	return nil
}
