package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/textsplitter"

	"school-chatbot/internal/config"
	"school-chatbot/internal/models"
)

const (
	defaultChunkSize    = 1000 // characters
	defaultChunkOverlap = 200  // characters
	defaultPageNumber   = 1
)

// separators are tried in order when a window has to be cut.
var separators = []string{"\n\n", "\n", " ", ""}

type pageLoader func(filePath string) ([]models.Page, error)

var loaders = map[string]pageLoader{
	".pdf":  parsePDF,
	".docx": parseDOCX,
	".xlsx": parseXLSX,
}

// LoadFolder reads every supported document in dir and splits it into
// overlapping windows. A missing folder, a folder without documents, or
// documents without extractable text is a configuration error.
func LoadFolder(dir string, cfg *config.RAGConfig) ([]models.Chunk, error) {
	if cfg == nil {
		cfg = &config.RAGConfig{
			Extensions:   []string{".pdf"},
			ChunkSize:    defaultChunkSize,
			ChunkOverlap: defaultChunkOverlap,
		}
	}

	pages, err := LoadPages(dir, cfg.Extensions)
	if err != nil {
		return nil, err
	}

	chunks, err := SplitPages(pages, cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, &config.Error{Field: "rag.docs_path", Msg: fmt.Sprintf("documents in %s contain no extractable text", dir)}
	}
	return chunks, nil
}

// LoadPages extracts text pages from the files in dir whose extension is
// listed. Files are read in name order so the result is deterministic.
func LoadPages(dir string, extensions []string) ([]models.Page, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &config.Error{Field: "rag.docs_path", Msg: "cannot read document folder " + dir, Err: err}
	}

	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := loaders[ext]; !ok || !slices.Contains(extensions, ext) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)

	if len(files) == 0 {
		return nil, &config.Error{
			Field: "rag.docs_path",
			Msg:   fmt.Sprintf("no documents (%s) found in %s", strings.Join(extensions, ", "), dir),
		}
	}

	var pages []models.Page
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file))
		filePages, err := loaders[ext](file)
		if err != nil {
			log.Warn().Err(err).Str("file", file).Msg("Skipping unreadable document")
			continue
		}
		log.Debug().Str("file", file).Int("pages", len(filePages)).Msg("Loaded document")
		pages = append(pages, filePages...)
	}

	log.Info().Int("files", len(files)).Int("pages", len(pages)).Str("dir", dir).Msg("Loaded documents")
	return pages, nil
}

// SplitPages cuts every page into windows of at most chunkSize characters
// with chunkOverlap characters shared between neighbours.
func SplitPages(pages []models.Page, chunkSize, chunkOverlap int) ([]models.Chunk, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(separators),
	)

	var chunks []models.Chunk
	for _, page := range pages {
		text := normalizeText(page.Text)
		if text == "" {
			continue
		}
		parts, err := splitter.SplitText(text)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s page %d: %w", page.Source, page.PageNumber, err)
		}

		chunkID := 0
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			chunkID++
			chunks = append(chunks, models.Chunk{
				Content:    part,
				Source:     page.Source,
				PageNumber: page.PageNumber,
				ChunkID:    chunkID,
			})
		}
	}

	log.Info().Int("pages", len(pages)).Int("chunks", len(chunks)).Msg("Split documents into chunks")
	return chunks, nil
}

// normalizeText trims trailing spaces on every line and collapses runs of
// blank lines, which PDF extraction produces a lot of.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t ")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
