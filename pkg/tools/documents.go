package tools

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/artifacts"
	"github.com/loomhq/loom/pkg/store"
)

type createDocumentArgs struct {
	Title string `json:"title" jsonschema:"required,description=Title describing what to generate"`
	Kind  string `json:"kind" jsonschema:"required,description=Document kind,enum=text|code|image|sheet|diagram"`
}

type updateDocumentArgs struct {
	ID          string `json:"id" jsonschema:"required,description=ID of the document to update"`
	Description string `json:"description" jsonschema:"required,description=Instruction describing the change to make"`
}

// NewCreateDocumentTool returns the createDocument tool. Content
// streams to the client through artifact data events; the model only
// receives the document's identity so it does not echo the content.
func NewCreateDocumentTool(svc *artifacts.Service) (Tool, error) {
	return New(Config{
		Name: "createDocument",
		Description: "Create a document for writing, coding or content creation activities. " +
			"The content is generated and shown to the user automatically based on the title and kind.",
	}, func(ctx context.Context, turn Turn, args createDocumentArgs) (any, error) {
		kind := store.DocumentKind(args.Kind)
		switch kind {
		case store.KindText, store.KindCode, store.KindImage, store.KindSheet, store.KindDiagram:
		default:
			return nil, fmt.Errorf("unsupported document kind: %s", args.Kind)
		}

		doc, err := svc.Create(ctx, turn.UserID, args.Title, kind, turn.Sink)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"id":      doc.ID,
			"title":   doc.Title,
			"kind":    string(doc.Kind),
			"content": "A document was created and is now visible to the user.",
		}, nil
	})
}

// NewUpdateDocumentTool returns the updateDocument tool. The latest
// version is read, revised per the description and saved as a new
// version.
func NewUpdateDocumentTool(svc *artifacts.Service) (Tool, error) {
	return New(Config{
		Name:        "updateDocument",
		Description: "Update an existing document with the described changes. Use the document ID from a previous createDocument call.",
	}, func(ctx context.Context, turn Turn, args updateDocumentArgs) (any, error) {
		doc, err := svc.Update(ctx, args.ID, args.Description, turn.UserID, turn.Sink)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"id":      doc.ID,
			"title":   doc.Title,
			"kind":    string(doc.Kind),
			"content": "The document has been updated successfully.",
		}, nil
	})
}
