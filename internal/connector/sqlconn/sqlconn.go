package sqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/statesync/internal/cache"
	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/model"
)

// Type is the connected-system type served by this package.
const Type = "sqlite"

// ErrNoRows is returned when an update or delete matches no row.
var ErrNoRows = errors.New("no row with that key")

// QueryConfig is a dataset's table binding.
type QueryConfig struct {
	Table string `json:"table"`
	Key   string `json:"key"`
}

// ParseQueryConfig parses and checks a dataset query configuration.
func ParseQueryConfig(raw string) (QueryConfig, error) {
	var qc QueryConfig
	if strings.TrimSpace(raw) == "" {
		return qc, errors.New("query config is required")
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&qc); err != nil {
		return qc, fmt.Errorf("query config: %w", err)
	}
	if qc.Table == "" {
		return qc, errors.New("query config: table is required")
	}
	if qc.Key == "" {
		return qc, errors.New("query config: key is required")
	}
	return qc, nil
}

// Connector reads and writes SQLite tables.
// Safe for concurrent use.
type Connector struct {
	db    *sql.DB
	cache *cache.Cache[*model.Fields]
}

var _ engine.Connector = (*Connector)(nil)

// Option configures a Connector.
type Option func(*config)

type config struct {
	ttl time.Duration
	now func() time.Time
}

// WithCacheTTL sets the lookup cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

// WithClock overrides the lookup cache clock.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// Open creates or opens the SQLite database at dsn.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(dsn string, opts ...Option) (*Connector, error) {
	cfg := config{ttl: cache.DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return &Connector{
		db:    db,
		cache: cache.New[*model.Fields](cfg.ttl, cache.WithClock(cfg.now)),
	}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// DB returns the underlying database.
func (c *Connector) DB() *sql.DB {
	return c.db
}

// ValidateDataSet checks ds's query configuration.
func (c *Connector) ValidateDataSet(ds *model.DataSet) error {
	_, err := ParseQueryConfig(ds.QueryConfig)
	return err
}

// Fetch returns every row of the dataset's table in rowid order.
func (c *Connector) Fetch(ctx context.Context, ds *model.DataSet) ([]*model.Fields, error) {
	qc, err := ParseQueryConfig(ds.QueryConfig)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(qc.Table)+" ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", qc.Table, err)
	}
	return scanRows(rows)
}

// CreateOutward inserts a row and returns it as stored, defaults included.
func (c *Connector) CreateOutward(ctx context.Context, ds *model.DataSet, fields *model.Fields) (*model.Fields, error) {
	qc, err := ParseQueryConfig(ds.QueryConfig)
	if err != nil {
		return nil, err
	}

	keys := fields.Keys()
	cols := make([]string, len(keys))
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		v, _ := fields.Get(k)
		cols[i] = quoteIdent(k)
		marks[i] = "?"
		args[i], err = toSQL(v)
		if err != nil {
			return nil, fmt.Errorf("create %s: column %s: %w", qc.Table, k, err)
		}
	}

	var stmt string
	if len(keys) == 0 {
		stmt = "INSERT INTO " + quoteIdent(qc.Table) + " DEFAULT VALUES"
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(qc.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}

	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", qc.Table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", qc.Table, err)
	}

	rows, err := c.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(qc.Table)+" WHERE rowid = ?", id)
	if err != nil {
		return nil, fmt.Errorf("create %s: read back: %w", qc.Table, err)
	}
	created, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("create %s: read back: %w", qc.Table, err)
	}
	if len(created) != 1 {
		return nil, fmt.Errorf("create %s: read back %d rows", qc.Table, len(created))
	}
	return created[0], nil
}

// UpdateOutward writes action.SystemChanges to the row identified by the
// key column of action.SystemItem, then mirrors them onto SystemItem.
func (c *Connector) UpdateOutward(ctx context.Context, ds *model.DataSet, action *engine.SyncAction) error {
	qc, err := ParseQueryConfig(ds.QueryConfig)
	if err != nil {
		return err
	}
	if len(action.SystemChanges) == 0 {
		return nil
	}
	key, ok := action.SystemItem.Get(qc.Key)
	if !ok {
		return fmt.Errorf("update %s: item has no %s", qc.Table, qc.Key)
	}

	sets := make([]string, len(action.SystemChanges))
	args := make([]any, 0, len(action.SystemChanges)+1)
	for i, change := range action.SystemChanges {
		sets[i] = quoteIdent(change.Field) + " = ?"
		v, err := toSQL(change.New)
		if err != nil {
			return fmt.Errorf("update %s: column %s: %w", qc.Table, change.Field, err)
		}
		args = append(args, v)
	}
	keyArg, err := toSQL(key)
	if err != nil {
		return fmt.Errorf("update %s: %w", qc.Table, err)
	}
	args = append(args, keyArg)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(qc.Table), strings.Join(sets, ", "), quoteIdent(qc.Key))
	if err := c.execOne(ctx, stmt, args...); err != nil {
		return fmt.Errorf("update %s %s=%s: %w", qc.Table, qc.Key, model.Render(key), err)
	}

	for _, change := range action.SystemChanges {
		action.SystemItem.Set(change.Field, model.CloneValue(change.New))
	}
	return nil
}

// DeleteOutward deletes the row identified by the key column of fields.
func (c *Connector) DeleteOutward(ctx context.Context, ds *model.DataSet, fields *model.Fields) error {
	qc, err := ParseQueryConfig(ds.QueryConfig)
	if err != nil {
		return err
	}
	key, ok := fields.Get(qc.Key)
	if !ok {
		return fmt.Errorf("delete %s: item has no %s", qc.Table, qc.Key)
	}
	keyArg, err := toSQL(key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", qc.Table, err)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoteIdent(qc.Table), quoteIdent(qc.Key))
	if err := c.execOne(ctx, stmt, keyArg); err != nil {
		return fmt.Errorf("delete %s %s=%s: %w", qc.Table, qc.Key, model.Render(key), err)
	}
	return nil
}

// QueryLookup runs a read-only query and returns field of its single row.
// Single-row results are cached by query text.
func (c *Connector) QueryLookup(ctx context.Context, query, field string, zero, multi expr.MatchPolicy) (model.Value, error) {
	if item, ok := c.cache.TryGet(query); ok {
		return expr.FieldOf(item, field), nil
	}
	if !readOnly(query) {
		return nil, fmt.Errorf("lookup query must be a SELECT: %q", query)
	}
	if !singleStatement(query) {
		return nil, fmt.Errorf("lookup query must be a single statement: %q", query)
	}

	matches, err := c.queryReadOnly(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}

	item, v, err := expr.Pick(matches, field, zero, multi)
	if err != nil {
		return nil, err
	}
	if item != nil {
		c.cache.Store(query, item)
	}
	return v, nil
}

// queryReadOnly runs query on a connection held with query_only set, so
// any write it attempts fails. The flag is cleared before the connection
// returns to the pool; a connection that cannot be reset is discarded.
func (c *Connector) queryReadOnly(ctx context.Context, query string) ([]*model.Fields, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("enable query_only: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA query_only = OFF"); err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

// ClearCache drops cached lookup results.
func (c *Connector) ClearCache() {
	c.cache.Clear()
}

// Close closes the database.
func (c *Connector) Close() error {
	c.cache.Clear()
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Connector) execOne(ctx context.Context, stmt string, args ...any) error {
	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]*model.Fields, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []*model.Fields
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		f := model.NewFields()
		for i, col := range cols {
			v, err := fromSQL(raw[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			f.Set(col, v)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func fromSQL(v any) (model.Value, error) {
	switch val := v.(type) {
	case time.Time:
		return model.String(val.UTC().Format(time.RFC3339Nano)), nil
	case int64:
		return model.Int(val), nil
	case float64:
		return model.Float(val), nil
	default:
		return model.FromAny(v)
	}
}

// toSQL converts a value to a driver argument. Composite values are stored
// as JSON text.
func toSQL(v model.Value) (any, error) {
	switch v.(type) {
	case model.Array, *model.Fields:
		b, err := model.MarshalValue(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return model.ToAny(v), nil
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func readOnly(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH")
}

// singleStatement reports whether query holds one statement: nothing but
// whitespace, comments and semicolons may follow the first semicolon
// outside quotes and comments.
func singleStatement(query string) bool {
	ended := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'' || ch == '"' || ch == '`' || ch == '[':
			if ended {
				return false
			}
			closing := ch
			if ch == '[' {
				closing = ']'
			}
			j := strings.IndexByte(query[i+1:], closing)
			if j < 0 {
				return true // unterminated; sqlite rejects it
			}
			i += j + 1
		case ch == '-' && i+1 < len(query) && query[i+1] == '-':
			j := strings.IndexByte(query[i:], '\n')
			if j < 0 {
				return true
			}
			i += j
		case ch == '/' && i+1 < len(query) && query[i+1] == '*':
			j := strings.Index(query[i+2:], "*/")
			if j < 0 {
				return true
			}
			i += j + 3
		case ch == ';':
			ended = true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
		default:
			if ended {
				return false
			}
		}
	}
	return true
}
