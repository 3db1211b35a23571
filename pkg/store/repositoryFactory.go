package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/zoff-tech/go-txoutbox/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var (
	sqlOpen = sql.Open

	gormOpen = func(dsn string) (*gorm.DB, error) {
		return gorm.Open(mysql.Open(dsn), &gorm.Config{})
	}

	NewSpannerClient = func(ctx context.Context, uri string) (*spanner.Client, error) {
		return spanner.NewClient(ctx, uri)
	}

	NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
		return mongo.Connect(ctx, options.Client().ApplyURI(uri))
	}
)

// CheckDbType returns ErrUnsupportedDB unless cfg names a known engine.
func CheckDbType(cfg config.DbSettings) error {
	switch cfg.Type {
	case "postgres", "mysql", "spanner", "mongo":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDB, cfg.Type)
	}
}

func OpenPostgres(cfg config.DbSettings) (*PostgresRepository, error) {
	if cfg.Type != "postgres" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDB, cfg.Type)
	}
	db, err := sqlOpen("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	opts := []PostgresOption{}
	if cfg.Table != "" {
		opts = append(opts, WithPostgresTable(cfg.Table))
	}
	repo, err := NewPostgresRepository(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func OpenMySQL(cfg config.DbSettings) (*MySQLRepository, error) {
	if cfg.Type != "mysql" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDB, cfg.Type)
	}
	db, err := gormOpen(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return NewMySQLRepository(db, cfg.Table)
}

func OpenSpanner(ctx context.Context, cfg config.DbSettings) (*SpannerRepository, error) {
	if cfg.Type != "spanner" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDB, cfg.Type)
	}
	client, err := NewSpannerClient(ctx, cfg.URI)
	if err != nil {
		return nil, err
	}
	repo, err := NewSpannerRepository(client, cfg.Table)
	if err != nil {
		client.Close()
		return nil, err
	}
	return repo, nil
}

func OpenMongo(ctx context.Context, cfg config.DbSettings) (*MongoRepository, error) {
	if cfg.Type != "mongo" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDB, cfg.Type)
	}
	client, err := NewMongoClient(ctx, cfg.URI)
	if err != nil {
		return nil, err
	}
	return NewMongoRepository(client, cfg.Database, cfg.Table)
}
