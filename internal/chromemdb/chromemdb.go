package chromemdb

import (
	"context"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/models"
)

const compress = true

// VectorDBManager wraps one in-memory chromem-go collection of document
// chunks. It is filled once and only read afterwards.
type VectorDBManager struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewVectorDBManager creates an empty in-memory collection. embeddingFunc is
// only used for documents added without a vector.
func NewVectorDBManager(collectionName string, embeddingFunc chromem.EmbeddingFunc) (*VectorDBManager, error) {
	db := chromem.NewDB()
	c, err := db.GetOrCreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %v", err)
	}
	return &VectorDBManager{db: db, collection: c}, nil
}

// AddChunks stores chunks with their precomputed vectors.
func (m *VectorDBManager) AddChunks(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:        chunk.ID(),
			Content:   chunk.Content,
			Metadata:  chunk.Metadata(),
			Embedding: vectors[i],
		}
	}

	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %v", err)
	}
	return nil
}

// Count is the number of stored chunks.
func (m *VectorDBManager) Count() int {
	return m.collection.Count()
}

// Search returns up to k chunks most similar to the query vector, best first.
func (m *VectorDBManager) Search(ctx context.Context, embedding []float32, k int) ([]chromem.Result, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding must be provided")
	}
	// chromem-go rejects nResults larger than the collection
	if n := m.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := m.collection.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: embedding,
		NResults:       k,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %v", err)
	}
	return results, nil
}

// Export writes the collection to an encrypted, gzip-compressed snapshot.
// encryptionKey must be 32 bytes.
func (m *VectorDBManager) Export(filePath, encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if filePath == "" {
		return fmt.Errorf("snapshot path is required")
	}

	log.Debug().Str("collection", m.collection.Name).Str("file", filePath).Bool("compress", compress).Msg("Exporting index")
	if err := m.db.ExportToFile(filePath, compress, encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %v", err)
	}
	return nil
}

// ImportVectorDBManager loads a snapshot written by Export.
func ImportVectorDBManager(filePath, encryptionKey, collectionName string, embeddingFunc chromem.EmbeddingFunc) (*VectorDBManager, error) {
	db := chromem.NewDB()
	if err := db.ImportFromFile(filePath, encryptionKey, collectionName); err != nil {
		return nil, fmt.Errorf("failed to import database: %v", err)
	}
	c := db.GetCollection(collectionName, embeddingFunc)
	if c == nil {
		return nil, fmt.Errorf("collection %q not found in %s", collectionName, filePath)
	}
	return &VectorDBManager{db: db, collection: c}, nil
}
