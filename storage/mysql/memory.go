package mysql

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
		return fmt.Errorf("mysql: entity facts create: %w", err)
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
			insert into memori_entity_fact (uuid, entity_id, content, content_embedding, num_times, date_last_time, uniq)
			values (?, ?, ?, ?, 1, current_timestamp, ?)
			on duplicate key update num_times = num_times + 1, date_last_time = current_timestamp`,
			memori.NewID(), entityID, fact, blob, uniq); err != nil {
			return fmt.Errorf("mysql: entity fact create: %w", err)
		}
		stored++
	}
	d.logger.Debug("mysql: entity facts create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
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
		return nil, fmt.Errorf("mysql: fact embeddings read: %w", err)
	}
	rows, err := tx.QueryContext(ctx,
		`select id, content_embedding from memori_entity_fact where entity_id = ? limit ?`,
		entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("mysql: fact embeddings read: %w", err)
	}
	defer rows.Close()

	var out []memori.FactEmbedding
	for rows.Next() {
		var fe memori.FactEmbedding
		var blob []byte
		if err := rows.Scan(&fe.ID, &blob); err != nil {
			return nil, fmt.Errorf("mysql: fact embeddings scan: %w", err)
		}
		fe.Embedding = blob
		out = append(out, fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: fact embeddings read: %w", err)
	}
	d.logger.Debug("mysql: fact embeddings read", "entity_id", entityID, "count", len(out), "duration", time.Since(start))
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
		return nil, fmt.Errorf("mysql: facts read: %w", err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx,
		`select id, content from memori_entity_fact where id in (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: facts read: %w", err)
	}
	defer rows.Close()

	var out []memori.FactRow
	for rows.Next() {
		var f memori.FactRow
		if err := rows.Scan(&f.ID, &f.Content); err != nil {
			return nil, fmt.Errorf("mysql: facts scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: facts read: %w", err)
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
		return fmt.Errorf("mysql: knowledge graph create: %w", err)
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
			insert into memori_knowledge_graph (uuid, entity_id, subject_id, predicate_id, object_id, num_times, date_last_time)
			values (?, ?, ?, ?, ?, 1, current_timestamp)
			on duplicate key update num_times = num_times + 1, date_last_time = current_timestamp`,
			memori.NewID(), entityID, subjectID, predicateID, objectID); err != nil {
			return fmt.Errorf("mysql: knowledge graph create: %w", err)
		}
		stored++
	}
	d.logger.Debug("mysql: knowledge graph create", "entity_id", entityID, "count", stored, "duration", time.Since(start))
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
		`insert ignore into `+table+` (uuid, name, type, uniq) values (?, ?, ?, ?)`,
		memori.NewID(), n.Name, n.Type, uniq); err != nil {
		return 0, fmt.Errorf("mysql: node create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`select id from `+table+` where uniq = ?`,
		uniq).Scan(&id); err != nil {
		return 0, fmt.Errorf("mysql: node select: %w", err)
	}
	return id, nil
}

func (d *Driver) upsertPredicate(ctx context.Context, tx *sql.Tx, content string) (int64, error) {
	uniq := memori.Fingerprint(content)
	if uniq == "" {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx,
		`insert ignore into memori_predicate (uuid, content, uniq) values (?, ?, ?)`,
		memori.NewID(), content, uniq); err != nil {
		return 0, fmt.Errorf("mysql: predicate create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`select id from memori_predicate where uniq = ?`,
		uniq).Scan(&id); err != nil {
		return 0, fmt.Errorf("mysql: predicate select: %w", err)
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
		return fmt.Errorf("mysql: process attributes create: %w", err)
	}
	stored := 0
	for _, attr := range attributes {
		uniq := memori.Fingerprint(attr)
		if uniq == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			insert into memori_process_attribute (uuid, process_id, content, num_times, date_last_time, uniq)
			values (?, ?, ?, 1, current_timestamp, ?)
			on duplicate key update num_times = num_times + 1, date_last_time = current_timestamp`,
			memori.NewID(), processID, attr, uniq); err != nil {
			return fmt.Errorf("mysql: process attribute create: %w", err)
		}
		stored++
	}
	d.logger.Debug("mysql: process attributes create", "process_id", processID, "count", stored, "duration", time.Since(start))
	return nil
}
