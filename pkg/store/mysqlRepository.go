package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

const mysqlSystem = "mysql"

type mysqlOutboxRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Version   int64     `gorm:"column:version;not null"`
	Type      string    `gorm:"column:type;type:varchar(255);not null"`
	Status    string    `gorm:"column:status;type:varchar(32);not null"`
	Data      string    `gorm:"column:data;type:json;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (r mysqlOutboxRow) toMessage() (*schema.OutboxMessage, error) {
	status, err := parseStatusColumn(r.ID, r.Status)
	if err != nil {
		return nil, err
	}
	return schema.StoredMessage(r.ID, r.Version, r.Type, status, []byte(r.Data), r.CreatedAt, r.UpdatedAt), nil
}

// MySQLRepository stores outbox messages in MySQL through gorm.
//
// Pending rows are selected without FOR UPDATE: InnoDB next-key locking on a
// non-unique (type, status) range can end up locking far more of the table
// than the rows returned. Double claims are instead rejected by the version
// guard in Update.
type MySQLRepository struct {
	db    *gorm.DB
	table string
}

var _ OutboxStore[*gorm.DB] = (*MySQLRepository)(nil)

// NewMySQLRepository wraps a gorm handle opened with the mysql dialector.
func NewMySQLRepository(db *gorm.DB, table string) (*MySQLRepository, error) {
	if db == nil {
		return nil, errors.New("mysql: nil *gorm.DB")
	}
	if table == "" {
		table = defaultTableName
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	return &MySQLRepository{db: db, table: table}, nil
}

func (r *MySQLRepository) Strategy() LockingStrategy {
	return StrategyOptimistic
}

func (r *MySQLRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *MySQLRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	var fnErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(ctx, tx)
		return fnErr
	})
	if err != nil && fnErr == nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	return err
}

func (r *MySQLRepository) FetchByID(ctx context.Context, tx *gorm.DB, id int64) (msg *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mysqlSystem, "FetchByID")
	defer func() { span.end(1, err) }()

	var row mysqlOutboxRow
	err = tx.WithContext(ctx).Table(r.table).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return row.toMessage()
}

func (r *MySQLRepository) FetchPendingForUpdate(ctx context.Context, tx *gorm.DB, messageType string, limit int) (messages []*schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mysqlSystem, "FetchPendingForUpdate")
	defer func() { span.end(len(messages), err) }()

	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	var rows []mysqlOutboxRow
	err = tx.WithContext(ctx).
		Table(r.table).
		Where("type = ? AND status = ?", messageType, string(schema.StatusPending)).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *MySQLRepository) Update(ctx context.Context, tx *gorm.DB, msg *schema.OutboxMessage) (updated *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mysqlSystem, "Update")
	defer func() { span.end(1, err) }()

	envelope, err := msg.EncodeEnvelope()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res := tx.WithContext(ctx).
		Table(r.table).
		Where("id = ? AND version = ?", msg.ID, msg.Version).
		Updates(map[string]interface{}{
			"version":    gorm.Expr("version + 1"),
			"status":     string(msg.Status),
			"data":       string(envelope),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, conflictError(msg)
	}
	return updatedMessage(msg, envelope, now), nil
}

func (r *MySQLRepository) Save(ctx context.Context, tx *gorm.DB, data schema.NewOutboxMessage) (saved *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mysqlSystem, "Save")
	defer func() { span.end(1, err) }()

	envelope, err := schema.EncodeData(data.Data())
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	row := mysqlOutboxRow{
		Version:   0,
		Type:      data.Type,
		Status:    string(schema.StatusPending),
		Data:      string(envelope),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Table(r.table).Create(&row).Error; err != nil {
		return nil, err
	}
	return savedMessage(row.ID, data, envelope, now)
}
