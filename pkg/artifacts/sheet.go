package artifacts

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

const sheetSystemPrompt = `You are a spreadsheet author. Produce CSV data for the request with a ` +
	`meaningful header row and around 4-8 columns. Return only the CSV, no prose and no code fences.`

const sheetUpdatePrompt = `Revise the following CSV spreadsheet per the instruction. Keep it valid ` +
	`CSV with a header row. Return only the full revised CSV, nothing else.`

// SheetHandler generates CSV spreadsheets. The full sheet is pushed as
// a content-update once generation completes, since partial CSV rows
// render poorly.
type SheetHandler struct {
	llm llms.LLM
}

func NewSheetHandler(llm llms.LLM) *SheetHandler {
	return &SheetHandler{llm: llm}
}

func (h *SheetHandler) Kind() store.DocumentKind { return store.KindSheet }

func (h *SheetHandler) Create(ctx context.Context, title string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System:   sheetSystemPrompt,
		Messages: []protocol.Message{protocol.NewUserMessage("", title)},
	}
	return h.render(ctx, req, sink)
}

func (h *SheetHandler) Update(ctx context.Context, doc store.Document, instruction string, sink stream.Sink) (string, error) {
	req := llms.Request{
		System: sheetUpdatePrompt,
		Messages: []protocol.Message{
			protocol.NewUserMessage("", fmt.Sprintf("Spreadsheet:\n\n%s\n\nInstruction: %s", doc.Content, instruction)),
		},
	}
	return h.render(ctx, req, sink)
}

func (h *SheetHandler) render(ctx context.Context, req llms.Request, sink stream.Sink) (string, error) {
	content, err := generate(ctx, h.llm, nil, req, sink, func(string) {})
	if err != nil {
		return "", err
	}

	content = strings.TrimSpace(content)
	sink.Push(stream.Data(stream.DataContentUpdate, content))
	return content, nil
}

// ExportXLSX converts a sheet document's CSV content into an XLSX
// workbook.
func ExportXLSX(doc store.Document) ([]byte, error) {
	if doc.Kind != store.KindSheet {
		return nil, fmt.Errorf("cannot export %s document as XLSX", doc.Kind)
	}

	reader := csv.NewReader(strings.NewReader(doc.Content))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse sheet content: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, fmt.Errorf("failed to compute cell name: %w", err)
		}
		row := make([]any, len(record))
		for j, v := range record {
			row[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
