package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/memorilabs/memori-go"
)

// Revisions returns the schema migrations in apply order. MongoDB
// creates collections on first write; a revision only declares their
// indexes.
func (d *Driver) Revisions() []memori.Revision {
	return []memori.Revision{
		{Num: 1, Apply: func(ctx context.Context) error { return d.applyIndexes(ctx, 1, revision1) }},
	}
}

type collectionIndexes struct {
	collection string
	models     []mongo.IndexModel
}

func (d *Driver) applyIndexes(ctx context.Context, num int, specs []collectionIndexes) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	for _, spec := range specs {
		if _, err := d.db.Collection(spec.collection).Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("mongodb: revision %d: %s: %w", num, spec.collection, err)
		}
	}
	d.logger.Debug("mongodb: revision applied", "num", num, "collections", len(specs), "duration", time.Since(start))
	return nil
}

func unique(keys bson.D) mongo.IndexModel {
	return mongo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
}

var revision1 = []collectionIndexes{
	{"memori_schema_version", []mongo.IndexModel{
		unique(bson.D{{Key: "num", Value: 1}}),
	}},
	{"memori_entity", []mongo.IndexModel{
		unique(bson.D{{Key: "external_id", Value: 1}}),
		unique(bson.D{{Key: "uuid", Value: 1}}),
	}},
	{"memori_process", []mongo.IndexModel{
		unique(bson.D{{Key: "external_id", Value: 1}}),
		unique(bson.D{{Key: "uuid", Value: 1}}),
	}},
	{"memori_session", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		{
			Keys:    bson.D{{Key: "entity_id", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "process_id", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	}},
	{"memori_conversation", []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}}},
		unique(bson.D{{Key: "uuid", Value: 1}}),
	}},
	{"memori_conversation_message", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		unique(bson.D{{Key: "conversation_id", Value: 1}, {Key: "_id", Value: 1}}),
	}},
	{"memori_entity_fact", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		unique(bson.D{{Key: "entity_id", Value: 1}, {Key: "_id", Value: 1}}),
		unique(bson.D{{Key: "entity_id", Value: 1}, {Key: "uniq", Value: 1}}),
		{
			Keys:    bson.D{{Key: "entity_id", Value: 1}, {Key: "num_times", Value: -1}, {Key: "date_last_time", Value: -1}},
			Options: options.Index().SetName("idx_memori_entity_fact_entity_id_freq"),
		},
	}},
	{"memori_process_attribute", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		unique(bson.D{{Key: "process_id", Value: 1}, {Key: "_id", Value: 1}}),
		unique(bson.D{{Key: "process_id", Value: 1}, {Key: "uniq", Value: 1}}),
	}},
	{"memori_subject", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		unique(bson.D{{Key: "uniq", Value: 1}}),
	}},
	{"memori_predicate", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		unique(bson.D{{Key: "uniq", Value: 1}}),
	}},
	{"memori_object", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		unique(bson.D{{Key: "uniq", Value: 1}}),
	}},
	{"memori_knowledge_graph", []mongo.IndexModel{
		unique(bson.D{{Key: "uuid", Value: 1}}),
		unique(bson.D{{Key: "entity_id", Value: 1}, {Key: "_id", Value: 1}}),
		unique(bson.D{{Key: "entity_id", Value: 1}, {Key: "subject_id", Value: 1}, {Key: "predicate_id", Value: 1}, {Key: "object_id", Value: 1}}),
		unique(bson.D{{Key: "subject_id", Value: 1}, {Key: "_id", Value: 1}}),
		unique(bson.D{{Key: "predicate_id", Value: 1}, {Key: "_id", Value: 1}}),
		unique(bson.D{{Key: "object_id", Value: 1}, {Key: "_id", Value: 1}}),
	}},
}
