package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
)

// fakeLLM streams its text in fixed-size fragments, or fails outright.
type fakeLLM struct {
	name string
	text string
	fail bool
}

func (f *fakeLLM) ModelName() string { return f.name }
func (f *fakeLLM) Close() error      { return nil }

func (f *fakeLLM) GenerateStreaming(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 16)
	go func() {
		defer close(ch)
		if f.fail {
			ch <- llms.StreamChunk{Type: "error", Error: fmt.Errorf("model %s unavailable", f.name)}
			return
		}
		text := f.text
		for len(text) > 0 {
			n := 5
			if n > len(text) {
				n = len(text)
			}
			ch <- llms.StreamChunk{Type: "text", Text: text[:n]}
			text = text[n:]
		}
		ch <- llms.StreamChunk{Type: "done"}
	}()
	return ch, nil
}

func (f *fakeLLM) GenerateStructured(ctx context.Context, req llms.Request, cfg *llms.StructuredOutputConfig) (string, int, error) {
	if f.fail {
		return "", 0, fmt.Errorf("model %s unavailable", f.name)
	}
	return f.text, 0, nil
}

func setupService(t *testing.T, primary, fallback llms.LLM) (*Service, store.Store) {
	t.Helper()

	st, err := store.NewSQLStore(config.StoreConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
		MaxIdle:  1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	handlers := NewRegistry()
	for _, h := range []Handler{
		NewTextHandler(primary, fallback),
		NewCodeHandler(primary),
		NewSheetHandler(primary),
		NewDiagramHandler(primary),
		NewImageHandler(primary, fallback),
	} {
		require.NoError(t, handlers.Register(string(h.Kind()), h))
	}

	return NewServiceWithHandlers(st, handlers), st
}

func TestCreateTextDocument(t *testing.T) {
	primary := &fakeLLM{name: "primary", text: "# Essay\n\nA short essay."}
	svc, st := setupService(t, primary, nil)
	rec := stream.NewRecorder()

	doc, err := svc.Create(context.Background(), "u1", "Essay about Go", store.KindText, rec)
	require.NoError(t, err)
	assert.Equal(t, "# Essay\n\nA short essay.", doc.Content)

	saved, err := st.GetLatestDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Content, saved.Content)
	assert.Equal(t, store.KindText, saved.Kind)

	kinds := dataKinds(rec)
	require.GreaterOrEqual(t, len(kinds), 5, "too few data events: %v", kinds)
	wantPrefix := []string{stream.DataArtifactKind, stream.DataArtifactID, stream.DataArtifactTitle, stream.DataArtifactClear}
	assert.Equal(t, wantPrefix, kinds[:len(wantPrefix)])
	assert.Equal(t, stream.DataArtifactFinish, kinds[len(kinds)-1])

	var streamed strings.Builder
	for _, e := range rec.OfType(stream.EventData) {
		if e.Data.Kind == stream.DataTextDelta {
			streamed.WriteString(e.Data.Content.(string))
		}
	}
	assert.Equal(t, doc.Content, streamed.String(), "streamed deltas must reassemble the content")
}

func TestCreateFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &fakeLLM{name: "primary", fail: true}
	fallback := &fakeLLM{name: "fallback", text: "recovered content"}
	svc, _ := setupService(t, primary, fallback)
	rec := stream.NewRecorder()

	doc, err := svc.Create(context.Background(), "u1", "Essay", store.KindText, rec)
	require.NoError(t, err)
	assert.Equal(t, "recovered content", doc.Content)

	// Initial clear plus the retry clear.
	clears := 0
	for _, k := range dataKinds(rec) {
		if k == stream.DataArtifactClear {
			clears++
		}
	}
	assert.Equal(t, 2, clears)
	assert.Empty(t, rec.OfType(stream.EventError), "successful fallback must not emit error events")
}

func TestCreateBothModelsFail(t *testing.T) {
	primary := &fakeLLM{name: "primary", fail: true}
	fallback := &fakeLLM{name: "fallback", fail: true}
	svc, st := setupService(t, primary, fallback)
	rec := stream.NewRecorder()

	doc, err := svc.Create(context.Background(), "u1", "Essay", store.KindText, rec)
	require.NoError(t, err, "Create should absorb generation failure")
	assert.Empty(t, doc.Content)

	assert.Len(t, rec.OfType(stream.EventError), 1)

	// The empty version is still persisted.
	saved, err := st.GetLatestDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Empty(t, saved.Content)
}

func TestUpdateCreatesNewVersion(t *testing.T) {
	primary := &fakeLLM{name: "primary", text: "revised body"}
	svc, st := setupService(t, primary, nil)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u1", "Essay", store.KindText, stream.NewRecorder())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, doc.ID, "make it better", "u1", stream.NewRecorder())
	require.NoError(t, err)
	assert.Equal(t, doc.ID, updated.ID)
	assert.True(t, updated.CreatedAt.After(doc.CreatedAt), "new version must have a later timestamp")

	versions, err := st.ListDocumentVersions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestUpdateUnknownDocument(t *testing.T) {
	svc, _ := setupService(t, &fakeLLM{name: "p", text: "x"}, nil)

	_, err := svc.Update(context.Background(), "missing", "instr", "u1", stream.NewRecorder())
	assert.Error(t, err)
}

func TestImageHandlerEncodesSVG(t *testing.T) {
	primary := &fakeLLM{name: "primary", text: `<svg viewBox="0 0 800 600"><rect width="10" height="10"/></svg>`}
	svc, _ := setupService(t, primary, nil)
	rec := stream.NewRecorder()

	doc, err := svc.Create(context.Background(), "u1", "A red square", store.KindImage, rec)
	require.NoError(t, err)
	assert.NotContains(t, doc.Content, "<svg", "image content should be base64 encoded")

	deltas := 0
	for _, k := range dataKinds(rec) {
		if k == stream.DataImageDelta {
			deltas++
		}
	}
	assert.Equal(t, 1, deltas, "expected a single image-delta event")
}

func TestSheetExport(t *testing.T) {
	doc := store.Document{
		Kind:    store.KindSheet,
		Content: "name,qty\nwidget,3\ngadget,5\n",
	}

	data, err := ExportXLSX(doc)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	_, err = ExportXLSX(store.Document{Kind: store.KindText})
	assert.Error(t, err, "expected error exporting non-sheet document")
}

func dataKinds(rec *stream.Recorder) []string {
	var kinds []string
	for _, e := range rec.OfType(stream.EventData) {
		kinds = append(kinds, e.Data.Kind)
	}
	return kinds
}
