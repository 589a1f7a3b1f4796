package anchor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL placeholder style and migration DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLChain persists the ledger in a relational table. Appends run inside a
// transaction that reads the current head and inserts the next block, so
// concurrent writers cannot fork the chain.
type SQLChain struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLChain wraps an open database handle and runs the migration.
func NewSQLChain(db *sql.DB, dialect Dialect) (*SQLChain, error) {
	c := &SQLChain{db: db, dialect: dialect}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("migrate anchor chain: %w", err)
	}
	return c, nil
}

// OpenSQLiteChain opens (or creates) a file-backed SQLite chain.
func OpenSQLiteChain(path string) (*SQLChain, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite chain: %w", err)
	}
	return NewSQLChain(db, DialectSQLite)
}

// OpenPostgresChain connects to a PostgreSQL-backed chain.
func OpenPostgresChain(dsn string) (*SQLChain, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres chain: %w", err)
	}
	return NewSQLChain(db, DialectPostgres)
}

// Close releases the database handle.
func (c *SQLChain) Close() error { return c.db.Close() }

func (c *SQLChain) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS anchor_blocks (
		position INTEGER PRIMARY KEY,
		det_id TEXT NOT NULL,
		record TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		block_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anchor_blocks_det ON anchor_blocks(det_id);`
	_, err := c.db.ExecContext(context.Background(), query)
	return err
}

// bind rewrites ? placeholders into $n for postgres.
func (c *SQLChain) bind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLChain) Append(ctx context.Context, rec Record) (Block, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var position int
	head := GenesisHash
	row := tx.QueryRowContext(ctx,
		`SELECT position, block_hash FROM anchor_blocks ORDER BY position DESC LIMIT 1`)
	var lastPos int
	var lastHash string
	switch err := row.Scan(&lastPos, &lastHash); {
	case err == nil:
		position = lastPos + 1
		head = lastHash
	case errors.Is(err, sql.ErrNoRows):
		position = 0
	default:
		return Block{}, fmt.Errorf("read chain head: %w", err)
	}

	hash, err := blockHash(position, rec, head)
	if err != nil {
		return Block{}, fmt.Errorf("hash block: %w", err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Block{}, fmt.Errorf("encode record: %w", err)
	}

	_, err = tx.ExecContext(ctx, c.bind(
		`INSERT INTO anchor_blocks (position, det_id, record, previous_hash, block_hash)
		 VALUES (?, ?, ?, ?, ?)`),
		position, rec.DETID, string(payload), head, hash)
	if err != nil {
		return Block{}, fmt.Errorf("insert block: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Block{}, fmt.Errorf("commit append: %w", err)
	}
	return Block{Position: position, Record: rec, PreviousHash: head, BlockHash: hash}, nil
}

func (c *SQLChain) Get(ctx context.Context, position int) (Block, error) {
	row := c.db.QueryRowContext(ctx, c.bind(
		`SELECT position, record, previous_hash, block_hash
		 FROM anchor_blocks WHERE position = ?`), position)
	block, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, fmt.Errorf("%w: position %d", ErrRecordNotFound, position)
	}
	return block, err
}

func (c *SQLChain) Head(ctx context.Context) (string, error) {
	var hash string
	err := c.db.QueryRowContext(ctx,
		`SELECT block_hash FROM anchor_blocks ORDER BY position DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return hash, nil
}

func (c *SQLChain) List(ctx context.Context) ([]Block, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT position, record, previous_hash, block_hash
		 FROM anchor_blocks ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *SQLChain) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anchor_blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row rowScanner) (Block, error) {
	var block Block
	var payload string
	if err := row.Scan(&block.Position, &payload, &block.PreviousHash, &block.BlockHash); err != nil {
		return Block{}, err
	}
	if err := json.Unmarshal([]byte(payload), &block.Record); err != nil {
		return Block{}, fmt.Errorf("decode record at position %d: %w", block.Position, err)
	}
	return block, nil
}

var _ Chain = (*SQLChain)(nil)
