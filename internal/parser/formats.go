package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"school-chatbot/internal/models"
)

// validatePDF rejects files pdfcpu cannot make sense of, so a broken upload
// is reported instead of crashing the text extractor.
func validatePDF(filePath string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(filePath, conf); err != nil {
		return fmt.Errorf("invalid pdf %s: %w", filepath.Base(filePath), err)
	}
	return nil
}

func parsePDF(filePath string) (pages []models.Page, err error) {
	if err := validatePDF(filePath); err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// the extractor panics on some malformed content streams
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("failed to extract text from %s: %v", filepath.Base(filePath), r)
		}
	}()

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	source := filepath.Base(filePath)
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Warn().Err(err).Str("file", source).Int("page", i).Msg("Failed to extract page text")
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, models.Page{
			Source:     source,
			PageNumber: i,
			Text:       text,
		})
	}
	return pages, nil
}

func parseDOCX(filePath string) ([]models.Page, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	text := extractTextFromXML(r.Editable().GetContent(), "w:t", "</w:p>")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []models.Page{{
		Source:     filepath.Base(filePath),
		PageNumber: defaultPageNumber, // DOCX has no page numbers
		Text:       text,
	}}, nil
}

func parseXLSX(filePath string) ([]models.Page, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []models.Page
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("## Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		if len(rows) == 0 {
			continue
		}
		pages = append(pages, models.Page{
			Source:     filepath.Base(filePath),
			PageNumber: sheetNum + 1, // 1-based indexing
			Text:       text.String(),
		})
	}
	return pages, nil
}

// extractTextFromXML collects the character data of every <tag> element and
// starts a new line after each paragraphEnd marker.
func extractTextFromXML(xmlContent, tag, paragraphEnd string) string {
	var text strings.Builder
	for _, paragraph := range strings.Split(xmlContent, paragraphEnd) {
		var line strings.Builder
		rest := paragraph
		for {
			start := strings.Index(rest, "<"+tag)
			if start < 0 {
				break
			}
			rest = rest[start+len(tag)+1:]
			// skip <w:tab/>, <w:tbl> and friends sharing the prefix
			if rest == "" || (rest[0] != '>' && rest[0] != ' ') {
				continue
			}
			open := strings.Index(rest, ">")
			if open < 0 {
				break
			}
			if open > 0 && rest[open-1] == '/' {
				rest = rest[open+1:]
				continue
			}
			rest = rest[open+1:]
			end := strings.Index(rest, "</"+tag+">")
			if end < 0 {
				break
			}
			line.WriteString(unescapeXML(rest[:end]))
			rest = rest[end:]
		}
		if line.Len() > 0 {
			text.WriteString(line.String())
			text.WriteString("\n")
		}
	}
	return text.String()
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	return xmlEntities.Replace(s)
}
