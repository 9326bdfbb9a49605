package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ashendes/card-payments/internal/models"
)

const transactionsCollection = "transactions"

// MongoStore persists transactions as documents. BSON dates keep millisecond
// precision only.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type transactionDocument struct {
	ID               string    `bson:"_id"`
	Amount           string    `bson:"amount"`
	Currency         string    `bson:"currency"`
	CustomerEmail    string    `bson:"customer_email"`
	CustomerName     string    `bson:"customer_name"`
	Status           string    `bson:"status"`
	GatewayReference *string   `bson:"gateway_reference"`
	IdempotencyKey   *string   `bson:"idempotency_key,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

// OpenMongo connects to MongoDB and verifies the connection
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(transactionsCollection),
	}, nil
}

// Migrate creates the listing and idempotency indexes
func (s *MongoStore) Migrate(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
		},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Insert(ctx context.Context, tx *models.Transaction) error {
	if _, err := s.collection.InsertOne(ctx, toDocument(tx)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return s.findOne(ctx, bson.M{"idempotency_key": key})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*models.Transaction, error) {
	var doc transactionDocument
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return fromDocument(doc)
}

func (s *MongoStore) Apply(ctx context.Context, t Transition) (*models.Transaction, error) {
	set := bson.M{
		"status":     string(t.To),
		"updated_at": t.At,
	}
	if t.GatewayReference != nil {
		set["gateway_reference"] = *t.GatewayReference
	}

	var doc transactionDocument
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": t.ID, "status": string(t.From)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		if _, getErr := s.Get(ctx, t.ID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	return fromDocument(doc)
}

func (s *MongoStore) List(ctx context.Context) ([]models.Transaction, error) {
	cur, err := s.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []transactionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	txs := make([]models.Transaction, 0, len(docs))
	for _, doc := range docs {
		tx, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, nil
}

// TimestampPrecision reports the resolution of BSON dates
func (s *MongoStore) TimestampPrecision() time.Duration { return time.Millisecond }

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toDocument(tx *models.Transaction) transactionDocument {
	return transactionDocument{
		ID:               tx.ID,
		Amount:           tx.Amount.String(),
		Currency:         tx.Currency,
		CustomerEmail:    tx.CustomerEmail,
		CustomerName:     tx.CustomerName,
		Status:           string(tx.Status),
		GatewayReference: tx.GatewayReference,
		IdempotencyKey:   tx.IdempotencyKey,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
	}
}

func fromDocument(doc transactionDocument) (*models.Transaction, error) {
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return nil, fmt.Errorf("decode amount of transaction %s: %w", doc.ID, err)
	}
	return &models.Transaction{
		ID:               doc.ID,
		Amount:           amount,
		Currency:         doc.Currency,
		CustomerEmail:    doc.CustomerEmail,
		CustomerName:     doc.CustomerName,
		Status:           models.TransactionStatus(doc.Status),
		GatewayReference: doc.GatewayReference,
		IdempotencyKey:   doc.IdempotencyKey,
		CreatedAt:        doc.CreatedAt.UTC(),
		UpdatedAt:        doc.UpdatedAt.UTC(),
	}, nil
}
