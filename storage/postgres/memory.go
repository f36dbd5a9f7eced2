package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memorilabs/memori-go"
)

// CreateEntityFacts inserts or reinforces entity facts. embeddings is
// aligned by index with facts; a fact without one stores an empty
// value. A re-learned fact bumps num_times and date_last_time but
// keeps its original embedding. Facts with an empty fingerprint are
// skipped.
func (d *Driver) CreateEntityFacts(ctx context.Context, entityID int64, facts []string, embeddings [][]float32) error {
	if len(facts) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("postgres: entity facts create: %w", err)
	}
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
		if _, err := tx.Exec(ctx, `
			INSERT INTO memori_entity_fact (uuid, entity_id, content, content_embedding, num_times, date_last_time, uniq)
			VALUES ($1, $2, $3, $4, 1, CURRENT_TIMESTAMP, $5)
			ON CONFLICT (entity_id, uniq)
			DO UPDATE SET num_times = memori_entity_fact.num_times + 1, date_last_time = CURRENT_TIMESTAMP`,
			memori.NewID(), entityID, fact, blob, uniq); err != nil {
			return fmt.Errorf("postgres: entity fact create: %w", err)
		}
		stored++
	}
	d.logger.Debug("postgres: entity facts create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
	return nil
}

// ReadEntityFactEmbeddings loads fact ids and their packed embeddings
// for an entity, up to limit rows.
func (d *Driver) ReadEntityFactEmbeddings(ctx context.Context, entityID int64, limit int) ([]memori.FactEmbedding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: fact embeddings read: %w", err)
	}
	rows, err := tx.Query(ctx,
		`SELECT id, content_embedding FROM memori_entity_fact WHERE entity_id = $1 LIMIT $2`,
		entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fact embeddings read: %w", err)
	}
	defer rows.Close()

	var out []memori.FactEmbedding
	for rows.Next() {
		var fe memori.FactEmbedding
		var blob []byte
		if err := rows.Scan(&fe.ID, &blob); err != nil {
			return nil, fmt.Errorf("postgres: fact embeddings scan: %w", err)
		}
		fe.Embedding = blob
		out = append(out, fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fact embeddings read: %w", err)
	}
	d.logger.Debug("postgres: fact embeddings read", "entity_id", entityID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// ReadEntityFactsByIDs loads fact rows by id.
func (d *Driver) ReadEntityFactsByIDs(ctx context.Context, ids []int64) ([]memori.FactRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: facts read: %w", err)
	}
	rows, err := tx.Query(ctx,
		`SELECT id, content FROM memori_entity_fact WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: facts read: %w", err)
	}
	defer rows.Close()

	var out []memori.FactRow
	for rows.Next() {
		var f memori.FactRow
		if err := rows.Scan(&f.ID, &f.Content); err != nil {
			return nil, fmt.Errorf("postgres: facts scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: facts read: %w", err)
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
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("postgres: knowledge graph create: %w", err)
	}
	stored := 0
	for _, t := range triples {
		subjectID, err := d.upsertNode(ctx, tx, "memori_subject", t.Subject)
		if err != nil {
			return err
		}
		predicateID, err := d.upsertPredicate(ctx, tx, t.Predicate)
		if err != nil {
			return err
		}
		objectID, err := d.upsertNode(ctx, tx, "memori_object", t.Object)
		if err != nil {
			return err
		}
		if entityID == 0 || subjectID == 0 || predicateID == 0 || objectID == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO memori_knowledge_graph (uuid, entity_id, subject_id, predicate_id, object_id, num_times, date_last_time)
			VALUES ($1, $2, $3, $4, $5, 1, CURRENT_TIMESTAMP)
			ON CONFLICT (entity_id, subject_id, predicate_id, object_id)
			DO UPDATE SET num_times = memori_knowledge_graph.num_times + 1, date_last_time = CURRENT_TIMESTAMP`,
			memori.NewID(), entityID, subjectID, predicateID, objectID); err != nil {
			return fmt.Errorf("postgres: knowledge graph create: %w", err)
		}
		stored++
	}
	d.logger.Debug("postgres: knowledge graph create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
	return nil
}

// upsertNode stores a graph node in table (memori_subject or
// memori_object) and returns its id, or 0 when the node has an empty
// fingerprint.
func (d *Driver) upsertNode(ctx context.Context, tx pgx.Tx, table string, n memori.Node) (int64, error) {
	uniq := memori.Fingerprint(n.Name, n.Type)
	if uniq == "" {
		return 0, nil
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+table+` (uuid, name, type, uniq) VALUES ($1, $2, $3, $4) ON CONFLICT (uniq) DO NOTHING`,
		memori.NewID(), n.Name, n.Type, uniq); err != nil {
		return 0, fmt.Errorf("postgres: node create: %w", err)
	}
	var id int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM `+table+` WHERE uniq = $1`,
		uniq).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: node select: %w", err)
	}
	return id, nil
}

func (d *Driver) upsertPredicate(ctx context.Context, tx pgx.Tx, content string) (int64, error) {
	uniq := memori.Fingerprint(content)
	if uniq == "" {
		return 0, nil
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO memori_predicate (uuid, content, uniq) VALUES ($1, $2, $3) ON CONFLICT (uniq) DO NOTHING`,
		memori.NewID(), content, uniq); err != nil {
		return 0, fmt.Errorf("postgres: predicate create: %w", err)
	}
	var id int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM memori_predicate WHERE uniq = $1`,
		uniq).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: predicate select: %w", err)
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
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("postgres: process attributes create: %w", err)
	}
	stored := 0
	for _, attr := range attributes {
		uniq := memori.Fingerprint(attr)
		if uniq == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO memori_process_attribute (uuid, process_id, content, num_times, date_last_time, uniq)
			VALUES ($1, $2, $3, 1, CURRENT_TIMESTAMP, $4)
			ON CONFLICT (process_id, uniq)
			DO UPDATE SET num_times = memori_process_attribute.num_times + 1, date_last_time = CURRENT_TIMESTAMP`,
			memori.NewID(), processID, attr, uniq); err != nil {
			return fmt.Errorf("postgres: process attribute create: %w", err)
		}
		stored++
	}
	d.logger.Debug("postgres: process attributes create", "process_id", processID, "count", stored, "duration", time.Since(start))
	return nil
}
