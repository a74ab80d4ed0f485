package settings

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"convsync/internal/constants"
)

type siteDocument struct {
	SiteID    int               `bson:"site_id"`
	Settings  map[string]string `bson:"settings"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

// MongoStore keeps one document per site with its settings as a sub-document.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	if collection == "" {
		collection = constants.DefaultSettingsCollection
	}
	return &MongoStore{collection: db.Collection(collection)}
}

func (s *MongoStore) SiteIDs(ctx context.Context) ([]int, error) {
	values, err := s.collection.Distinct(ctx, "site_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list site ids: %w", err)
	}

	ids := make([]int, 0, len(values))
	for _, v := range values {
		switch id := v.(type) {
		case int32:
			ids = append(ids, int(id))
		case int64:
			ids = append(ids, int(id))
		case float64:
			ids = append(ids, int(id))
		}
	}
	sort.Ints(ids)

	return ids, nil
}

func (s *MongoStore) Load(ctx context.Context, siteID int) (Values, error) {
	var doc siteDocument
	err := s.collection.FindOne(ctx, bson.M{"site_id": siteID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, siteNotFound(siteID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	return NewValues(doc.Settings), nil
}

// Save merges the given settings into the site's document, creating it when absent.
func (s *MongoStore) Save(ctx context.Context, siteID int, values map[string]string) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	for key, value := range values {
		set["settings."+key] = value
	}

	_, err := s.collection.UpdateOne(ctx,
		bson.M{"site_id": siteID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	return nil
}
