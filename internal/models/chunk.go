package models

import "strconv"

// PageRecord is the extracted text of one rendered PDF page.
type PageRecord struct {
	Text       string
	Source     string
	PageNumber int
}

// Chunk is a bounded slice of page text, the unit stored in the vector store.
// Source and PageNumber are inherited from the parent PageRecord.
type Chunk struct {
	ID         string
	Text       string
	Source     string
	PageNumber int
	Embedding  []float32
}

// Match is a chunk returned by a similarity search.
type Match struct {
	Chunk
	Similarity float32
}

// RetrievalResult holds the assembled context for one question.
type RetrievalResult struct {
	Question string
	Context  string
	Matches  []Match
}

// Metadata keys persisted alongside chunk text.
const (
	MetaSource     = "source"
	MetaPageNumber = "page_number"
)

// Metadata renders chunk metadata in the string form vector stores keep.
func (c Chunk) Metadata() map[string]string {
	return map[string]string{
		MetaSource:     c.Source,
		MetaPageNumber: strconv.Itoa(c.PageNumber),
	}
}

// ChunkFromMetadata rebuilds source and page fields from stored metadata.
func ChunkFromMetadata(id, text string, meta map[string]string) Chunk {
	page, _ := strconv.Atoi(meta[MetaPageNumber])
	return Chunk{
		ID:         id,
		Text:       text,
		Source:     meta[MetaSource],
		PageNumber: page,
	}
}
