package postgres

import (
	"context"
	"fmt"

	"github.com/datawarden/datawarden/internal/models"
)

// DocRepository implements repository.DocRepository for PostgreSQL using
// full-text ranking over internal.doc_chunks. Chunk embeddings are produced
// by an external pipeline; this layer only ranks and filters.
type DocRepository struct {
	db *DB
}

// NewDocRepository creates a new DocRepository.
func NewDocRepository(db *DB) *DocRepository {
	return &DocRepository{db: db}
}

// Search returns the top k chunks ranked by relevance, restricted to chunks
// whose ACL tags include the caller's role.
func (r *DocRepository) Search(ctx context.Context, query string, k int, role models.Role) ([]models.DocChunk, error) {
	if k <= 0 {
		k = 5
	}

	sql := `
		SELECT c.chunk_id, c.document_id, d.title, c.content, c.acl_tags,
		       ts_rank(c.content_tsv, websearch_to_tsquery('english', $1)) AS score
		FROM internal.doc_chunks c
		JOIN internal.documents d ON d.document_id = c.document_id
		WHERE c.content_tsv @@ websearch_to_tsquery('english', $1)
		  AND $2 = ANY (c.acl_tags)
		ORDER BY score DESC
		LIMIT $3`

	rows, err := r.db.Pool.Query(ctx, sql, query, string(role), k)
	if err != nil {
		return nil, fmt.Errorf("searching doc chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.DocChunk
	for rows.Next() {
		var c models.DocChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Title, &c.Content, &c.ACLTags, &c.Score); err != nil {
			return nil, fmt.Errorf("scanning doc chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
