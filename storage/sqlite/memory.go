package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/memorilabs/memori-go"
)

// CreateEntityFacts inserts or reinforces entity facts. embeddings is
// aligned by index with facts; a fact without one stores an empty
// blob. A re-learned fact bumps num_times and date_last_time but keeps
// its original embedding. Facts with an empty fingerprint are skipped.
func (d *Driver) CreateEntityFacts(ctx context.Context, entityID int64, facts []string, embeddings [][]float32) error {
	if len(facts) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: entity facts create: %w", err)
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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memori_entity_fact (uuid, entity_id, content, content_embedding, num_times, date_last_time, uniq)
			VALUES (?, ?, ?, ?, 1, datetime('now'), ?)
			ON CONFLICT (entity_id, uniq)
			DO UPDATE SET num_times = num_times + 1, date_last_time = datetime('now')`,
			memori.NewID(), entityID, fact, blob, uniq); err != nil {
			return fmt.Errorf("sqlite: entity fact create: %w", err)
		}
		stored++
	}
	d.logger.Debug("sqlite: entity facts create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
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
		return nil, fmt.Errorf("sqlite: fact embeddings read: %w", err)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, content_embedding FROM memori_entity_fact WHERE entity_id = ? LIMIT ?`,
		entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fact embeddings read: %w", err)
	}
	defer rows.Close()

	var out []memori.FactEmbedding
	for rows.Next() {
		var fe memori.FactEmbedding
		var blob []byte
		if err := rows.Scan(&fe.ID, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: fact embeddings scan: %w", err)
		}
		fe.Embedding = blob
		out = append(out, fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: fact embeddings read: %w", err)
	}
	d.logger.Debug("sqlite: fact embeddings read", "entity_id", entityID, "count", len(out), "duration", time.Since(start))
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
		return nil, fmt.Errorf("sqlite: facts read: %w", err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, content FROM memori_entity_fact WHERE id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: facts read: %w", err)
	}
	defer rows.Close()

	var out []memori.FactRow
	for rows.Next() {
		var f memori.FactRow
		if err := rows.Scan(&f.ID, &f.Content); err != nil {
			return nil, fmt.Errorf("sqlite: facts scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: facts read: %w", err)
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
		return fmt.Errorf("sqlite: knowledge graph create: %w", err)
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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memori_knowledge_graph (uuid, entity_id, subject_id, predicate_id, object_id, num_times, date_last_time)
			VALUES (?, ?, ?, ?, ?, 1, datetime('now'))
			ON CONFLICT (entity_id, subject_id, predicate_id, object_id)
			DO UPDATE SET num_times = num_times + 1, date_last_time = datetime('now')`,
			memori.NewID(), entityID, subjectID, predicateID, objectID); err != nil {
			return fmt.Errorf("sqlite: knowledge graph create: %w", err)
		}
		stored++
	}
	d.logger.Debug("sqlite: knowledge graph create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
	return nil
}

// upsertNode stores a graph node in table (memori_subject or
// memori_object) and returns its id, or 0 when the node has an empty
// fingerprint.
func (d *Driver) upsertNode(ctx context.Context, tx *sql.Tx, table string, n memori.Node) (int64, error) {
	uniq := memori.Fingerprint(n.Name, n.Type)
	if uniq == "" {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (uuid, name, type, uniq) VALUES (?, ?, ?, ?)`,
		memori.NewID(), n.Name, n.Type, uniq); err != nil {
		return 0, fmt.Errorf("sqlite: node create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM `+table+` WHERE uniq = ?`,
		uniq).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: node select: %w", err)
	}
	return id, nil
}

func (d *Driver) upsertPredicate(ctx context.Context, tx *sql.Tx, content string) (int64, error) {
	uniq := memori.Fingerprint(content)
	if uniq == "" {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO memori_predicate (uuid, content, uniq) VALUES (?, ?, ?)`,
		memori.NewID(), content, uniq); err != nil {
		return 0, fmt.Errorf("sqlite: predicate create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM memori_predicate WHERE uniq = ?`,
		uniq).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: predicate select: %w", err)
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
		return fmt.Errorf("sqlite: process attributes create: %w", err)
	}
	stored := 0
	for _, attr := range attributes {
		uniq := memori.Fingerprint(attr)
		if uniq == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memori_process_attribute (uuid, process_id, content, num_times, date_last_time, uniq)
			VALUES (?, ?, ?, 1, datetime('now'), ?)
			ON CONFLICT (process_id, uniq)
			DO UPDATE SET num_times = num_times + 1, date_last_time = datetime('now')`,
			memori.NewID(), processID, attr, uniq); err != nil {
			return fmt.Errorf("sqlite: process attribute create: %w", err)
		}
		stored++
	}
	d.logger.Debug("sqlite: process attributes create", "process_id", processID, "count", stored, "duration", time.Since(start))
	return nil
}
