package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-txoutbox/pkg/schema"
)

const mongoSystem = "mongodb"

type mongoOutboxDocument struct {
	ID        int64     `bson:"_id"`
	Version   int64     `bson:"version"`
	Type      string    `bson:"type"`
	Status    string    `bson:"status"`
	Data      string    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d mongoOutboxDocument) toMessage() (*schema.OutboxMessage, error) {
	status, err := parseStatusColumn(d.ID, d.Status)
	if err != nil {
		return nil, err
	}
	return schema.StoredMessage(d.ID, d.Version, d.Type, status, []byte(d.Data), d.CreatedAt, d.UpdatedAt), nil
}

// MongoIndexes lists the indexes the outbox collection needs.
var MongoIndexes = []mongo.IndexModel{
	{Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}, {Key: "_id", Value: 1}}},
}

// MongoRepository stores outbox messages in a MongoDB collection.
// Transactions need a replica set or sharded cluster.
//
// MongoDB has no row lock to skip; pending documents are read plainly and the
// version guard in Update rejects a document another poller already moved.
// Ids come from a counter document incremented in the same transaction.
type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

var _ OutboxStore[mongo.SessionContext] = (*MongoRepository)(nil)

func NewMongoRepository(client *mongo.Client, database, collection string) (*MongoRepository, error) {
	if client == nil {
		return nil, errors.New("mongo: nil client")
	}
	if collection == "" {
		collection = defaultTableName
	}
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}, nil
}

func (m *MongoRepository) Strategy() LockingStrategy {
	return StrategyOptimistic
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}

// InTx runs fn in a multi-document transaction. The driver retries fn on
// transient errors, so fn must not leak state between attempts.
func (m *MongoRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx mongo.SessionContext) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", ErrTransaction, err)
	}
	defer session.EndSession(ctx)

	var fnErr error
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		fnErr = fn(sc, sc)
		return nil, fnErr
	})
	if err != nil && fnErr == nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	return err
}

func (m *MongoRepository) FetchByID(ctx context.Context, tx mongo.SessionContext, id int64) (msg *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "FetchByID")
	defer func() { span.end(1, err) }()

	var doc mongoOutboxDocument
	err = m.messages().FindOne(inSession(ctx, tx), bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return doc.toMessage()
}

func (m *MongoRepository) FetchPendingForUpdate(ctx context.Context, tx mongo.SessionContext, messageType string, limit int) (messages []*schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "FetchPendingForUpdate")
	defer func() { span.end(len(messages), err) }()

	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	sc := inSession(ctx, tx)
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := m.messages().Find(sc, pendingFilter(messageType), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(sc)

	for cursor.Next(sc) {
		var doc mongoOutboxDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		msg, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (m *MongoRepository) Update(ctx context.Context, tx mongo.SessionContext, msg *schema.OutboxMessage) (updated *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Update")
	defer func() { span.end(1, err) }()

	envelope, err := msg.EncodeEnvelope()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := m.messages().UpdateOne(inSession(ctx, tx), versionFilter(msg), updateDocument(msg, envelope, now))
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, conflictError(msg)
	}
	return updatedMessage(msg, envelope, now), nil
}

func (m *MongoRepository) Save(ctx context.Context, tx mongo.SessionContext, data schema.NewOutboxMessage) (saved *schema.OutboxMessage, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Save")
	defer func() { span.end(1, err) }()

	envelope, err := schema.EncodeData(data.Data())
	if err != nil {
		return nil, err
	}
	sc := inSession(ctx, tx)
	id, err := m.nextID(sc)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	doc := mongoOutboxDocument{
		ID:        id,
		Version:   0,
		Type:      data.Type,
		Status:    string(schema.StatusPending),
		Data:      string(envelope),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := m.messages().InsertOne(sc, doc); err != nil {
		return nil, err
	}
	return savedMessage(id, data, envelope, now)
}

func (m *MongoRepository) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := m.counters().FindOneAndUpdate(ctx,
		bson.M{"_id": m.collection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("mongo: next id: %w", err)
	}
	return counter.Seq, nil
}

func (m *MongoRepository) messages() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoRepository) counters() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection + "_counters")
}

// inSession carries tx's session on ctx so spans started on ctx stay parents
// of the driver calls.
func inSession(ctx context.Context, tx mongo.SessionContext) mongo.SessionContext {
	return mongo.NewSessionContext(ctx, mongo.SessionFromContext(tx))
}

func pendingFilter(messageType string) bson.M {
	return bson.M{
		"type":   messageType,
		"status": string(schema.StatusPending),
	}
}

func versionFilter(msg *schema.OutboxMessage) bson.M {
	return bson.M{
		"_id":     msg.ID,
		"version": msg.Version,
	}
}

func updateDocument(msg *schema.OutboxMessage, envelope []byte, now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"status":     string(msg.Status),
			"data":       string(envelope),
			"updated_at": now,
		},
		"$inc": bson.M{"version": int64(1)},
	}
}
