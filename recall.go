package memori

import (
	"context"
	"fmt"
	"time"
)

const (
	recallMaxRetries  = 3
	recallBackoffBase = 50 * time.Millisecond
)

// Recall returns the stored facts most similar to query for the entity
// configured via [Memori.Attribution], in descending similarity order.
// limit <= 0 uses Config.RecallFactsLimit. Results are unfiltered;
// callers that want only relevant facts apply
// Config.RecallRelevanceThreshold to Similarity.
func (m *Memori) Recall(ctx context.Context, query string, limit int) ([]RecalledFact, error) {
	if limit <= 0 {
		limit = m.cfg.RecallFactsLimit
	}
	entityExternal, _ := m.attribution()
	if entityExternal == "" {
		return nil, &ConfigError{Message: "recall requires an entity id; call Attribution first"}
	}
	queryVecs := m.embed.encode(ctx, []string{query})
	if len(queryVecs) == 0 {
		return nil, nil
	}

	start := m.now()
	var facts []RecalledFact
	err := m.store.withConnection(ctx, func(d Driver) error {
		entityID, err := d.CreateEntity(ctx, entityExternal)
		if err != nil {
			return fmt.Errorf("recall: entity create: %w", err)
		}
		facts, err = retryCall(ctx, recallMaxRetries, recallBackoffBase, "fact search", m.logger, isRestartTxn, nil,
			func() ([]RecalledFact, error) {
				return searchEntityFacts(ctx, d, entityID, queryVecs[0], limit, m.cfg.RecallEmbeddingsLimit)
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("recall: search complete", "facts", len(facts), "duration", time.Since(start))
	return facts, nil
}

// searchEntityFacts loads the entity's stored embeddings, scores them
// against the query vector, and resolves the winners to their content.
// Winners whose content row has vanished are dropped; order follows the
// similarity ranking.
func searchEntityFacts(ctx context.Context, d Driver, entityID int64, queryVec []float32, limit, embeddingsLimit int) ([]RecalledFact, error) {
	rows, err := d.ReadEntityFactEmbeddings(ctx, entityID, embeddingsLimit)
	if err != nil {
		return nil, fmt.Errorf("recall: read embeddings: %w", err)
	}
	matches := findSimilarEmbeddings(queryVec, rows, limit)
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(matches))
	for i, match := range matches {
		ids[i] = match.id
	}
	factRows, err := d.ReadEntityFactsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("recall: read facts: %w", err)
	}
	content := make(map[int64]string, len(factRows))
	for _, row := range factRows {
		content[row.ID] = row.Content
	}
	facts := make([]RecalledFact, 0, len(matches))
	for _, match := range matches {
		text, ok := content[match.id]
		if !ok {
			continue
		}
		facts = append(facts, RecalledFact{ID: match.id, Content: text, Similarity: match.similarity})
	}
	return facts, nil
}
