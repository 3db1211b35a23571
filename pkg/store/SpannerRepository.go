package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

const (
	spannerSystem  = "spanner"
	spannerColumns = "id, version, type, status, data, created_at, updated_at"
)

// SpannerRepository stores outbox messages in Cloud Spanner.
//
// Spanner has no SKIP LOCKED; pending rows are read plainly and the version
// guard in Update rejects a row another poller already moved.
type SpannerRepository struct {
	client *spanner.Client
	table  string
}

var _ OutboxStore[*spanner.ReadWriteTransaction] = (*SpannerRepository)(nil)

// NewSpannerRepository wraps a Spanner client.
func NewSpannerRepository(client *spanner.Client, table string) (*SpannerRepository, error) {
	if client == nil {
		return nil, errors.New("spanner: nil client")
	}
	if table == "" {
		table = defaultTableName
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	return &SpannerRepository{client: client, table: table}, nil
}

func (s *SpannerRepository) Strategy() LockingStrategy {
	return StrategyOptimistic
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

// InTx runs fn in a read-write transaction. The client may run fn more than
// once when Spanner aborts the transaction, so fn must not leak state between
// attempts.
func (s *SpannerRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx *spanner.ReadWriteTransaction) error) error {
	var fnErr error
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		fnErr = fn(ctx, txn)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	return err
}

func (s *SpannerRepository) FetchByID(ctx context.Context, tx *spanner.ReadWriteTransaction, id int64) (msg *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "FetchByID")
	defer func() { span.end(1, err) }()

	messages, err := s.query(ctx, tx, s.selectByIDStatement(id))
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, notFoundError(id)
	}
	return messages[0], nil
}

func (s *SpannerRepository) FetchPendingForUpdate(ctx context.Context, tx *spanner.ReadWriteTransaction, messageType string, limit int) (messages []*schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "FetchPendingForUpdate")
	defer func() { span.end(len(messages), err) }()

	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	return s.query(ctx, tx, s.selectPendingStatement(messageType, limit))
}

func (s *SpannerRepository) Update(ctx context.Context, tx *spanner.ReadWriteTransaction, msg *schema.OutboxMessage) (updated *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Update")
	defer func() { span.end(1, err) }()

	envelope, err := msg.EncodeEnvelope()
	if err != nil {
		return nil, err
	}
	count, err := tx.Update(ctx, s.updateStatement(msg, envelope))
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, conflictError(msg)
	}
	return updatedMessage(msg, envelope, time.Now().UTC()), nil
}

func (s *SpannerRepository) Save(ctx context.Context, tx *spanner.ReadWriteTransaction, data schema.NewOutboxMessage) (saved *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Save")
	defer func() { span.end(1, err) }()

	envelope, err := schema.EncodeData(data.Data())
	if err != nil {
		return nil, err
	}

	iter := tx.Query(ctx, s.insertStatement(data, envelope))
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return nil, err
	}
	var id int64
	if err := row.Columns(&id); err != nil {
		return nil, err
	}
	return savedMessage(id, data, envelope, time.Now().UTC())
}

func (s *SpannerRepository) query(ctx context.Context, tx *spanner.ReadWriteTransaction, stmt spanner.Statement) ([]*schema.OutboxMessage, error) {
	iter := tx.Query(ctx, stmt)
	defer iter.Stop()

	var messages []*schema.OutboxMessage
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		msg, err := scanSpannerMessage(row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *SpannerRepository) selectByIDStatement(id int64) spanner.Statement {
	return spanner.Statement{
		SQL: fmt.Sprintf(`SELECT %s FROM %s WHERE id = @id`, spannerColumns, s.table),
		Params: map[string]interface{}{
			"id": id,
		},
	}
}

// Commit timestamps order rows by commit, which is the order they became
// visible to pollers; id breaks ties within one commit.
func (s *SpannerRepository) selectPendingStatement(messageType string, limit int) spanner.Statement {
	return spanner.Statement{
		SQL: fmt.Sprintf(`SELECT %s FROM %s WHERE type = @type AND status = @status
              ORDER BY created_at ASC, id ASC LIMIT @limit`, spannerColumns, s.table),
		Params: map[string]interface{}{
			"type":   messageType,
			"status": string(schema.StatusPending),
			"limit":  int64(limit),
		},
	}
}

func (s *SpannerRepository) updateStatement(msg *schema.OutboxMessage, envelope []byte) spanner.Statement {
	return spanner.Statement{
		SQL: fmt.Sprintf(`UPDATE %s SET version = version + 1, status = @status, data = @data,
              updated_at = PENDING_COMMIT_TIMESTAMP() WHERE id = @id AND version = @version`, s.table),
		Params: map[string]interface{}{
			"status":  string(msg.Status),
			"data":    string(envelope),
			"id":      msg.ID,
			"version": msg.Version,
		},
	}
}

func (s *SpannerRepository) insertStatement(data schema.NewOutboxMessage, envelope []byte) spanner.Statement {
	return spanner.Statement{
		SQL: fmt.Sprintf(`INSERT INTO %s (version, type, status, data, created_at, updated_at)
              VALUES (0, @type, @status, @data, PENDING_COMMIT_TIMESTAMP(), PENDING_COMMIT_TIMESTAMP())
              THEN RETURN id`, s.table),
		Params: map[string]interface{}{
			"type":   data.Type,
			"status": string(schema.StatusPending),
			"data":   string(envelope),
		},
	}
}

func scanSpannerMessage(row *spanner.Row) (*schema.OutboxMessage, error) {
	var (
		id, version          int64
		messageType, status  string
		data                 string
		createdAt, updatedAt time.Time
	)
	if err := row.Columns(&id, &version, &messageType, &status, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := parseStatusColumn(id, status)
	if err != nil {
		return nil, err
	}
	return schema.StoredMessage(id, version, messageType, parsed, []byte(data), createdAt, updatedAt), nil
}
