// Package store persists chats, messages, documents, suggestions and
// users behind a storage interface with a SQL implementation supporting
// sqlite, postgres and mysql.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/pkg/protocol"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SubscriptionStatus is a user's billing state. Anything other than
// SubscriptionActive grants only free-tier models.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// GuestUserID is the user every unauthenticated request runs as.
const GuestUserID = "guest"

// User is an account known to the system.
type User struct {
	ID                 string             `json:"id"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// Entitled reports whether the user may run paid-tier models.
func (u User) Entitled() bool { return u.SubscriptionStatus == SubscriptionActive }

// Chat is one conversation.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// DocumentKind identifies an artifact generator.
type DocumentKind string

const (
	KindText    DocumentKind = "text"
	KindCode    DocumentKind = "code"
	KindImage   DocumentKind = "image"
	KindSheet   DocumentKind = "sheet"
	KindDiagram DocumentKind = "diagram"
)

// Document is one version of an artifact. Versions share an ID and are
// distinguished by CreatedAt; updates insert a new version and never
// mutate an existing one.
type Document struct {
	ID        string       `json:"id"`
	CreatedAt time.Time    `json:"createdAt"`
	Title     string       `json:"title"`
	Kind      DocumentKind `json:"kind"`
	Content   string       `json:"content"`
	UserID    string       `json:"userId"`
}

// Suggestion is a proposed edit to one document version, pinned to the
// (DocumentID, DocumentCreatedAt) pair it was generated against.
type Suggestion struct {
	ID                string    `json:"id"`
	DocumentID        string    `json:"documentId"`
	DocumentCreatedAt time.Time `json:"documentCreatedAt"`
	OriginalText      string    `json:"originalText"`
	SuggestedText     string    `json:"suggestedText"`
	Description       string    `json:"description,omitempty"`
	IsResolved        bool      `json:"isResolved"`
	UserID            string    `json:"userId"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Store is the persistence surface the chat pipeline depends on.
type Store interface {
	GetUser(ctx context.Context, id string) (User, error)
	UpsertUser(ctx context.Context, user User) error

	GetChat(ctx context.Context, id string) (Chat, error)
	CreateChat(ctx context.Context, chat Chat) error
	AppendMessages(ctx context.Context, chatID string, messages []protocol.Message) error
	ListMessages(ctx context.Context, chatID string) ([]protocol.Message, error)

	// DeleteMessagesAfter removes the named message and everything
	// appended after it, returning how many rows were deleted.
	DeleteMessagesAfter(ctx context.Context, chatID, messageID string) (int, error)

	// GetLatestDocument returns the newest version of a document.
	GetLatestDocument(ctx context.Context, id string) (Document, error)
	ListDocumentVersions(ctx context.Context, id string) ([]Document, error)

	// InsertDocumentVersion appends a version. Suggestions pinned to
	// older versions of the same document are removed in the same
	// transaction.
	InsertDocumentVersion(ctx context.Context, doc Document) error

	InsertSuggestions(ctx context.Context, suggestions []Suggestion) error
	ListSuggestions(ctx context.Context, documentID string) ([]Suggestion, error)

	Close() error
}
