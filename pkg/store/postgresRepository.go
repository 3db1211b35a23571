package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

const postgresSystem = "postgresql"

type postgresQueries struct {
	selectByID    string
	selectPending string
	update        string
	insert        string
}

func newPostgresQueries(table string) postgresQueries {
	columns := "id, version, type, status, data, created_at, updated_at"
	return postgresQueries{
		selectByID: fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, table),
		selectPending: fmt.Sprintf(`SELECT %s FROM %s WHERE type = $1 AND status = $2 `+
			`ORDER BY id ASC LIMIT $3 FOR UPDATE SKIP LOCKED`, columns, table),
		update: fmt.Sprintf(`UPDATE %s SET version = version + 1, status = $1, data = $2, updated_at = $3 `+
			`WHERE id = $4 AND version = $5`, table),
		insert: fmt.Sprintf(`INSERT INTO %s (version, type, status, data, created_at, updated_at) `+
			`VALUES (0, $1, $2, $3, $4, $4) RETURNING id`, table),
	}
}

// PostgresRepository stores outbox messages in PostgreSQL and claims rows
// with SELECT ... FOR UPDATE SKIP LOCKED, so concurrent pollers partition
// the pending set instead of racing on it.
type PostgresRepository struct {
	db      *sql.DB
	queries postgresQueries
}

var _ OutboxStore[*sql.Tx] = (*PostgresRepository)(nil)

// PostgresOption configures a PostgresRepository.
type PostgresOption func(*postgresOptions)

type postgresOptions struct {
	table string
}

// WithPostgresTable overrides the outbox table name.
func WithPostgresTable(table string) PostgresOption {
	return func(o *postgresOptions) {
		o.table = table
	}
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB, opts ...PostgresOption) (*PostgresRepository, error) {
	if db == nil {
		return nil, errors.New("postgres: nil *sql.DB")
	}
	o := postgresOptions{table: defaultTableName}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateTableName(o.table); err != nil {
		return nil, err
	}
	return &PostgresRepository{db: db, queries: newPostgresQueries(o.table)}, nil
}

func (p *PostgresRepository) Strategy() LockingStrategy {
	return StrategySkipLocked
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransaction, err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("%w: rollback: %w", ErrTransaction, rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransaction, err)
	}
	return nil
}

func (p *PostgresRepository) FetchByID(ctx context.Context, tx *sql.Tx, id int64) (msg *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "FetchByID")
	defer func() { span.end(1, err) }()

	row := tx.QueryRowContext(ctx, p.queries.selectByID, id)
	msg, err = scanPostgresMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *PostgresRepository) FetchPendingForUpdate(ctx context.Context, tx *sql.Tx, messageType string, limit int) (messages []*schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "FetchPendingForUpdate")
	defer func() { span.end(len(messages), err) }()

	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, p.queries.selectPending, messageType, schema.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *PostgresRepository) Update(ctx context.Context, tx *sql.Tx, msg *schema.OutboxMessage) (updated *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Update")
	defer func() { span.end(1, err) }()

	envelope, err := msg.EncodeEnvelope()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, p.queries.update, msg.Status, string(envelope), now, msg.ID, msg.Version)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, conflictError(msg)
	}
	return updatedMessage(msg, envelope, now), nil
}

func (p *PostgresRepository) Save(ctx context.Context, tx *sql.Tx, data schema.NewOutboxMessage) (saved *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Save")
	defer func() { span.end(1, err) }()

	envelope, err := schema.EncodeData(data.Data())
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var id int64
	if err := tx.QueryRowContext(ctx, p.queries.insert, data.Type, schema.StatusPending, string(envelope), now).Scan(&id); err != nil {
		return nil, err
	}
	return savedMessage(id, data, envelope, now)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresMessage(row rowScanner) (*schema.OutboxMessage, error) {
	var (
		id, version          int64
		messageType, status  string
		data                 []byte
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &version, &messageType, &status, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := parseStatusColumn(id, status)
	if err != nil {
		return nil, err
	}
	return schema.StoredMessage(id, version, messageType, parsed, data, createdAt, updatedAt), nil
}
