package models

import "fmt"

// Chunk is a window of extracted document text with its origin.
type Chunk struct {
	Content    string
	Source     string
	PageNumber int
	ChunkID    int
}

// ID is stable for a given source, page and window position.
func (c Chunk) ID() string {
	return fmt.Sprintf("%s-p%d-c%d", c.Source, c.PageNumber, c.ChunkID)
}

// Metadata is what the vector index stores next to the content.
func (c Chunk) Metadata() map[string]string {
	return map[string]string{
		MetaSource:  c.Source,
		MetaPage:    fmt.Sprint(c.PageNumber),
		MetaChunkID: fmt.Sprint(c.ChunkID),
	}
}

// Page is the text of one page (or sheet, or whole document for formats
// without pages) before splitting.
type Page struct {
	Source     string
	PageNumber int
	Text       string
}
