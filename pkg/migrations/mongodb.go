package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"convsync/internal/constants"
)

// EnsureMongoCollection creates the indexes of the site settings collection. The collection
// itself appears on the first insert.
func EnsureMongoCollection(ctx context.Context, db *mongo.Database, collection string) error {
	if collection == "" {
		collection = constants.DefaultSettingsCollection
	}

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "site_id", Value: 1}},
			Options: options.Index().SetName("idx_site_settings_site_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_site_settings_updated_at"),
		},
	}

	_, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
