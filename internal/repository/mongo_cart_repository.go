package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoCartRepository struct {
	collection *mongo.Collection
}

func NewMongoCartRepository(db *mongo.Database) *MongoCartRepository {
	return &MongoCartRepository{
		collection: db.Collection("cart_sessions"),
	}
}

func identityFilter(id domain.Identity) bson.M {
	filter := bson.M{"converted_to_order": false}
	if id.UserID != "" {
		filter["user_id"] = id.UserID
	} else {
		filter["session_id"] = id.SessionID
	}
	return filter
}

// FindActive returns the non-converted cart for the identity. Expired carts are returned too; the
// caller decides what to do with them.
func (m *MongoCartRepository) FindActive(ctx context.Context, id domain.Identity) (*domain.CartSession, error) {
	var cart domain.CartSession
	err := m.collection.FindOne(ctx, identityFilter(id)).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return &cart, nil
}

func (m *MongoCartRepository) FindByID(ctx context.Context, cartID string) (*domain.CartSession, error) {
	var cart domain.CartSession
	err := m.collection.FindOne(ctx, bson.M{"_id": cartID}).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return &cart, nil
}

func (m *MongoCartRepository) Insert(ctx context.Context, cart *domain.CartSession) error {
	if _, err := m.collection.InsertOne(ctx, cart); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateCart
		}
		return fmt.Errorf("failed to insert cart: %w", err)
	}
	return nil
}

// Replace writes the whole document if nobody else changed it since expectedVersion was read.
func (m *MongoCartRepository) Replace(ctx context.Context, cart *domain.CartSession, expectedVersion int64) error {
	cart.Version = expectedVersion + 1
	filter := bson.M{"_id": cart.ID, "version": expectedVersion, "converted_to_order": false}

	result, err := m.collection.ReplaceOne(ctx, filter, cart)
	if err != nil {
		cart.Version = expectedVersion
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateCart
		}
		return fmt.Errorf("failed to replace cart: %w", err)
	}
	if result.MatchedCount == 0 {
		cart.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

func (m *MongoCartRepository) Delete(ctx context.Context, cartID string, expectedVersion int64) error {
	result, err := m.collection.DeleteOne(ctx, bson.M{
		"_id":                cartID,
		"version":            expectedVersion,
		"converted_to_order": false,
	})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkConverted claims the cart for an order. Exactly one caller wins; the rest see ErrCartConverted.
func (m *MongoCartRepository) MarkConverted(ctx context.Context, cartID, orderID string) (*domain.CartSession, error) {
	now := time.Now()
	filter := bson.M{"_id": cartID, "converted_to_order": false}
	update := bson.M{
		"$set": bson.M{
			"converted_to_order": true,
			"order_id":           orderID,
			"updated_at":         now,
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var cart domain.CartSession
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&cart)
	if err == nil {
		return &cart, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to mark cart converted: %w", err)
	}

	if _, findErr := m.FindByID(ctx, cartID); findErr != nil {
		return nil, findErr
	}
	return nil, domain.ErrCartConverted
}

// ReleaseConversion undoes MarkConverted when order creation failed.
func (m *MongoCartRepository) ReleaseConversion(ctx context.Context, cartID, orderID string) error {
	filter := bson.M{"_id": cartID, "converted_to_order": true, "order_id": orderID}
	update := bson.M{
		"$set":   bson.M{"converted_to_order": false},
		"$unset": bson.M{"order_id": ""},
		"$inc":   bson.M{"version": 1},
	}
	if _, err := m.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to release cart conversion: %w", err)
	}
	return nil
}

func (m *MongoCartRepository) FindAbandoned(ctx context.Context, idleBefore time.Time, limit int) ([]*domain.CartSession, error) {
	filter := bson.M{
		"converted_to_order": false,
		"reminder_sent":      false,
		"updated_at":         bson.M{"$lt": idleBefore},
		"items.0":            bson.M{"$exists": true},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}).SetLimit(int64(limit))

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find abandoned carts: %w", err)
	}
	defer cursor.Close(ctx)

	var carts []*domain.CartSession
	if err := cursor.All(ctx, &carts); err != nil {
		return nil, fmt.Errorf("failed to decode abandoned carts: %w", err)
	}
	return carts, nil
}

// MarkReminderSent flags the cart without touching updated_at. It reports false when the cart moved on
// (mutated, converted, or already flagged) since it was read.
func (m *MongoCartRepository) MarkReminderSent(ctx context.Context, cartID string, version int64, at time.Time) (bool, error) {
	filter := bson.M{
		"_id":                cartID,
		"version":            version,
		"reminder_sent":      false,
		"converted_to_order": false,
	}
	update := bson.M{
		"$set": bson.M{"reminder_sent": true, "reminder_sent_at": at},
		"$inc": bson.M{"version": 1},
	}
	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (m *MongoCartRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := m.collection.DeleteMany(ctx, bson.M{
		"converted_to_order": false,
		"expires_at":         bson.M{"$lte": now},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired carts: %w", err)
	}
	return result.DeletedCount, nil
}

func (m *MongoCartRepository) CreateIndexes(ctx context.Context) error {
	activeOnly := func(field string) bson.M {
		return bson.M{"converted_to_order": false, field: bson.M{"$exists": true}}
	}
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().
				SetName("active_session").
				SetUnique(true).
				SetPartialFilterExpression(activeOnly("session_id")),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().
				SetName("active_user").
				SetUnique(true).
				SetPartialFilterExpression(activeOnly("user_id")),
		},
		{
			Keys: bson.D{
				{Key: "converted_to_order", Value: 1},
				{Key: "reminder_sent", Value: 1},
				{Key: "updated_at", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
		},
	}

	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
