package memori

import (
	"math"
	"sort"
)

// similarFact pairs a stored embedding row id with its cosine similarity
// to a query vector.
type similarFact struct {
	id         int64
	similarity float32
}

// findSimilarEmbeddings scores stored embeddings against the query by
// cosine similarity and returns the top limit matches in descending
// order, ties resolved by input order. Rows that fail to decode (or
// disagree on width with the first decodable row) are skipped; a width
// mismatch between query and candidates drops the whole search.
func findSimilarEmbeddings(query []float32, rows []FactEmbedding, limit int) []similarFact {
	if len(query) == 0 || limit <= 0 {
		return nil
	}
	ids := make([]int64, 0, len(rows))
	candidates := make([][]float32, 0, len(rows))
	for _, row := range rows {
		vec, err := ParseEmbedding(row.Embedding)
		if err != nil || len(vec) == 0 {
			continue
		}
		if len(candidates) > 0 && len(vec) != len(candidates[0]) {
			continue
		}
		ids = append(ids, row.ID)
		candidates = append(candidates, vec)
	}
	if len(candidates) == 0 || len(candidates[0]) != len(query) {
		return nil
	}

	q := normalizeVector(query)
	scored := make([]similarFact, len(candidates))
	for i, vec := range candidates {
		scored[i] = similarFact{id: ids[i], similarity: dot(q, normalizeVector(vec))}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].similarity > scored[j].similarity
	})
	if limit < len(scored) {
		scored = scored[:limit]
	}
	return scored
}

// normalizeVector returns the unit-length copy of vec. A zero vector is
// returned unchanged so it scores zero against everything.
func normalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}
