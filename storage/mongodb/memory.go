package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/memorilabs/memori-go"
)

// CreateEntityFacts inserts or reinforces entity facts. embeddings is
// aligned by index with facts; a fact without one stores an empty
// binary. A re-learned fact bumps num_times and date_last_time but
// keeps its original embedding. Facts with an empty fingerprint are
// skipped.
func (d *Driver) CreateEntityFacts(ctx context.Context, entityID int64, facts []string, embeddings [][]float32) error {
	if len(facts) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	coll := d.db.Collection("memori_entity_fact")
	stored := 0
	for i, fact := range facts {
		uniq := memori.Fingerprint(fact)
		if uniq == "" {
			continue
		}
		var vec []float32
		if i < len(embeddings) {
			vec = embeddings[i]
		}
		blob := memori.PackEmbedding(vec)
		if blob == nil {
			blob = []byte{}
		}
		var existing struct {
			ID int64 `bson:"_id"`
		}
		err := coll.FindOne(ctx,
			bson.D{{Key: "entity_id", Value: entityID}, {Key: "uniq", Value: uniq}}).Decode(&existing)
		switch {
		case err == nil:
			if _, err := coll.UpdateOne(ctx,
				bson.D{{Key: "_id", Value: existing.ID}},
				bson.D{
					{Key: "$inc", Value: bson.D{{Key: "num_times", Value: 1}}},
					{Key: "$set", Value: bson.D{{Key: "date_last_time", Value: d.now().UTC()}}},
				}); err != nil {
				return fmt.Errorf("mongodb: entity fact update: %w", err)
			}
		case errors.Is(err, mongo.ErrNoDocuments):
			id, err := d.nextID(ctx, "memori_entity_fact")
			if err != nil {
				return err
			}
			if _, err := coll.InsertOne(ctx, bson.D{
				{Key: "_id", Value: id},
				{Key: "uuid", Value: memori.NewID()},
				{Key: "entity_id", Value: entityID},
				{Key: "content", Value: fact},
				{Key: "content_embedding", Value: blob},
				{Key: "num_times", Value: 1},
				{Key: "date_last_time", Value: d.now().UTC()},
				{Key: "uniq", Value: uniq},
				{Key: "date_created", Value: d.now().UTC()},
				{Key: "date_updated", Value: nil},
			}); err != nil {
				return fmt.Errorf("mongodb: entity fact create: %w", err)
			}
		default:
			return fmt.Errorf("mongodb: entity fact select: %w", err)
		}
		stored++
	}
	d.logger.Debug("mongodb: entity facts create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
	return nil
}

// ReadEntityFactEmbeddings loads fact ids and their packed embeddings
// for an entity, up to limit documents.
func (d *Driver) ReadEntityFactEmbeddings(ctx context.Context, entityID int64, limit int) ([]memori.FactEmbedding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	cur, err := d.db.Collection("memori_entity_fact").Find(ctx,
		bson.D{{Key: "entity_id", Value: entityID}},
		options.Find().
			SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "content_embedding", Value: 1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("mongodb: fact embeddings read: %w", err)
	}
	var docs []struct {
		ID        int64  `bson:"_id"`
		Embedding []byte `bson:"content_embedding"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb: fact embeddings read: %w", err)
	}
	var out []memori.FactEmbedding
	for _, doc := range docs {
		out = append(out, memori.FactEmbedding{ID: doc.ID, Embedding: doc.Embedding})
	}
	d.logger.Debug("mongodb: fact embeddings read", "entity_id", entityID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// ReadEntityFactsByIDs loads fact documents by id.
func (d *Driver) ReadEntityFactsByIDs(ctx context.Context, ids []int64) ([]memori.FactRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, err := d.db.Collection("memori_entity_fact").Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "content", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb: facts read: %w", err)
	}
	var docs []struct {
		ID      int64  `bson:"_id"`
		Content string `bson:"content"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb: facts read: %w", err)
	}
	var out []memori.FactRow
	for _, doc := range docs {
		out = append(out, memori.FactRow{ID: doc.ID, Content: doc.Content})
	}
	return out, nil
}

// CreateKnowledgeGraph inserts or reinforces subject/predicate/object
// triples for an entity. Nodes and predicates are deduplicated by
// fingerprint across all entities; a repeated triple bumps its
// counter. Triples with an unfingerprintable component are skipped.
func (d *Driver) CreateKnowledgeGraph(ctx context.Context, entityID int64, triples []memori.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	coll := d.db.Collection("memori_knowledge_graph")
	stored := 0
	for _, t := range triples {
		subjectID, err := d.upsertNode(ctx, "memori_subject", t.Subject)
		if err != nil {
			return err
		}
		predicateID, err := d.upsertPredicate(ctx, t.Predicate)
		if err != nil {
			return err
		}
		objectID, err := d.upsertNode(ctx, "memori_object", t.Object)
		if err != nil {
			return err
		}
		if entityID == 0 || subjectID == 0 || predicateID == 0 || objectID == 0 {
			continue
		}
		filter := bson.D{
			{Key: "entity_id", Value: entityID},
			{Key: "subject_id", Value: subjectID},
			{Key: "predicate_id", Value: predicateID},
			{Key: "object_id", Value: objectID},
		}
		var existing struct {
			ID int64 `bson:"_id"`
		}
		err = coll.FindOne(ctx, filter).Decode(&existing)
		switch {
		case err == nil:
			if _, err := coll.UpdateOne(ctx,
				bson.D{{Key: "_id", Value: existing.ID}},
				bson.D{
					{Key: "$inc", Value: bson.D{{Key: "num_times", Value: 1}}},
					{Key: "$set", Value: bson.D{{Key: "date_last_time", Value: d.now().UTC()}}},
				}); err != nil {
				return fmt.Errorf("mongodb: knowledge graph update: %w", err)
			}
		case errors.Is(err, mongo.ErrNoDocuments):
			id, err := d.nextID(ctx, "memori_knowledge_graph")
			if err != nil {
				return err
			}
			if _, err := coll.InsertOne(ctx, bson.D{
				{Key: "_id", Value: id},
				{Key: "uuid", Value: memori.NewID()},
				{Key: "entity_id", Value: entityID},
				{Key: "subject_id", Value: subjectID},
				{Key: "predicate_id", Value: predicateID},
				{Key: "object_id", Value: objectID},
				{Key: "num_times", Value: 1},
				{Key: "date_last_time", Value: d.now().UTC()},
				{Key: "date_created", Value: d.now().UTC()},
				{Key: "date_updated", Value: nil},
			}); err != nil {
				return fmt.Errorf("mongodb: knowledge graph create: %w", err)
			}
		default:
			return fmt.Errorf("mongodb: knowledge graph select: %w", err)
		}
		stored++
	}
	d.logger.Debug("mongodb: knowledge graph create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
	return nil
}

// upsertNode stores a graph node in coll (memori_subject or
// memori_object) and returns its id, or 0 when the node has an empty
// fingerprint. Callers must hold d.mu.
func (d *Driver) upsertNode(ctx context.Context, coll string, n memori.Node) (int64, error) {
	uniq := memori.Fingerprint(n.Name, n.Type)
	if uniq == "" {
		return 0, nil
	}
	var existing struct {
		ID int64 `bson:"_id"`
	}
	err := d.db.Collection(coll).FindOne(ctx,
		bson.D{{Key: "uniq", Value: uniq}}).Decode(&existing)
	switch {
	case err == nil:
		return existing.ID, nil
	case !errors.Is(err, mongo.ErrNoDocuments):
		return 0, fmt.Errorf("mongodb: node select: %w", err)
	}
	id, err := d.nextID(ctx, coll)
	if err != nil {
		return 0, err
	}
	if _, err := d.db.Collection(coll).InsertOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "uuid", Value: memori.NewID()},
		{Key: "name", Value: n.Name},
		{Key: "type", Value: n.Type},
		{Key: "uniq", Value: uniq},
		{Key: "date_created", Value: d.now().UTC()},
		{Key: "date_updated", Value: nil},
	}); err != nil {
		return 0, fmt.Errorf("mongodb: node create: %w", err)
	}
	return id, nil
}

func (d *Driver) upsertPredicate(ctx context.Context, content string) (int64, error) {
	uniq := memori.Fingerprint(content)
	if uniq == "" {
		return 0, nil
	}
	var existing struct {
		ID int64 `bson:"_id"`
	}
	err := d.db.Collection("memori_predicate").FindOne(ctx,
		bson.D{{Key: "uniq", Value: uniq}}).Decode(&existing)
	switch {
	case err == nil:
		return existing.ID, nil
	case !errors.Is(err, mongo.ErrNoDocuments):
		return 0, fmt.Errorf("mongodb: predicate select: %w", err)
	}
	id, err := d.nextID(ctx, "memori_predicate")
	if err != nil {
		return 0, err
	}
	if _, err := d.db.Collection("memori_predicate").InsertOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "uuid", Value: memori.NewID()},
		{Key: "content", Value: content},
		{Key: "uniq", Value: uniq},
		{Key: "date_created", Value: d.now().UTC()},
		{Key: "date_updated", Value: nil},
	}); err != nil {
		return 0, fmt.Errorf("mongodb: predicate create: %w", err)
	}
	return id, nil
}

// CreateProcessAttributes inserts or reinforces process attributes.
// Attributes with an empty fingerprint are skipped.
func (d *Driver) CreateProcessAttributes(ctx context.Context, processID int64, attributes []string) error {
	if len(attributes) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	coll := d.db.Collection("memori_process_attribute")
	stored := 0
	for _, attr := range attributes {
		uniq := memori.Fingerprint(attr)
		if uniq == "" {
			continue
		}
		var existing struct {
			ID int64 `bson:"_id"`
		}
		err := coll.FindOne(ctx,
			bson.D{{Key: "process_id", Value: processID}, {Key: "uniq", Value: uniq}}).Decode(&existing)
		switch {
		case err == nil:
			if _, err := coll.UpdateOne(ctx,
				bson.D{{Key: "_id", Value: existing.ID}},
				bson.D{
					{Key: "$inc", Value: bson.D{{Key: "num_times", Value: 1}}},
					{Key: "$set", Value: bson.D{{Key: "date_last_time", Value: d.now().UTC()}}},
				}); err != nil {
				return fmt.Errorf("mongodb: process attribute update: %w", err)
			}
		case errors.Is(err, mongo.ErrNoDocuments):
			id, err := d.nextID(ctx, "memori_process_attribute")
			if err != nil {
				return err
			}
			if _, err := coll.InsertOne(ctx, bson.D{
				{Key: "_id", Value: id},
				{Key: "uuid", Value: memori.NewID()},
				{Key: "process_id", Value: processID},
				{Key: "content", Value: attr},
				{Key: "num_times", Value: 1},
				{Key: "date_last_time", Value: d.now().UTC()},
				{Key: "uniq", Value: uniq},
				{Key: "date_created", Value: d.now().UTC()},
				{Key: "date_updated", Value: nil},
			}); err != nil {
				return fmt.Errorf("mongodb: process attribute create: %w", err)
			}
		default:
			return fmt.Errorf("mongodb: process attribute select: %w", err)
		}
		stored++
	}
	d.logger.Debug("mongodb: process attributes create", "process_id", processID, "count", stored, "duration", time.Since(start))
	return nil
}
