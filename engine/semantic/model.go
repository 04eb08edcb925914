// Package semantic owns vector storage and retrieval: a Store abstraction
// with Qdrant and local-file implementations, and an Index that embeds
// chunks and queries on top of a Store.
package semantic

// VectorRecord is a single embedded chunk as stored.
type VectorRecord struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Payload   map[string]any `json:"payload"` // content, doc_id, source, page, chunk_index, start, end
}

// Hit is a single similarity-search match.
type Hit struct {
	ID      string  `json:"id"`
	Score   float32 `json:"score"`
	Content string  `json:"content"`
	DocID   string  `json:"doc_id"`
	Source  string  `json:"source"`
	Page    int     `json:"page"`
}

// payloadInt reads an integer payload value regardless of whether it came
// from Qdrant (int64) or a JSON roundtrip (float64).
func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func payloadString(v any) string {
	s, _ := v.(string)
	return s
}

// hitFromRecord builds a Hit from a stored record and its score.
func hitFromRecord(r VectorRecord, score float32) Hit {
	return Hit{
		ID:      r.ID,
		Score:   score,
		Content: payloadString(r.Payload["content"]),
		DocID:   payloadString(r.Payload["doc_id"]),
		Source:  payloadString(r.Payload["source"]),
		Page:    payloadInt(r.Payload["page"]),
	}
}
