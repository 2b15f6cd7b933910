// Package store persists uploaded file metadata, extracted text, and
// question/answer history, always scoped by the owning user.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable indicates the backing store cannot be reached.
var ErrUnavailable = errors.New("store unavailable")

// FileRecord describes one processed upload and its extracted text.
type FileRecord struct {
	ID            string
	UserID        string
	FileName      string
	FileSize      int64
	FileExtension string
	ContentHash   string
	WordCount     int
	MIMEType      string
	UploadedAt    time.Time
	ExtractedText string
}

// ConversationRecord is one question/answer exchange about a file.
// FileID is a soft reference: the file may be deleted independently,
// so the file name is captured at save time.
type ConversationRecord struct {
	ID        string
	UserID    string
	FileID    string
	FileName  string
	Question  string
	Answer    string
	CreatedAt time.Time
}

// FileStore persists file records. Reads and deletes are ownership-checked:
// an id owned by another user behaves exactly like a missing id.
type FileStore interface {
	// SaveFile writes the record, minting an id when absent, and returns it.
	SaveFile(rec FileRecord) (string, error)
	GetFile(id, userID string) (FileRecord, bool, error)
	// ListFiles returns the user's file metadata most-recent-first.
	// ExtractedText is not populated; use GetFile for the body.
	ListFiles(userID string) ([]FileRecord, error)
	DeleteFile(id, userID string) (bool, error)
	FileCount(userID string) (int, error)
}

// ConversationStore persists question/answer history.
type ConversationStore interface {
	SaveConversation(rec ConversationRecord) (string, error)
	GetConversation(id, userID string) (ConversationRecord, bool, error)
	// ListConversations returns most-recent-first, optionally filtered by file.
	ListConversations(userID string, limit int, fileID string) ([]ConversationRecord, error)
	// SearchConversations matches the query against question and answer text.
	SearchConversations(userID, query string, limit int) ([]ConversationRecord, error)
	DeleteConversation(id, userID string) (bool, error)
	ConversationCount(userID string) (int, error)
	FileConversationCount(fileID string) (int, error)
}

// Store is the full persistence contract a backend implements.
type Store interface {
	FileStore
	ConversationStore
	// Ping reports whether the backend is reachable.
	Ping() error
}

// NewID mints a globally unique opaque identifier.
func NewID() string {
	return uuid.NewString()
}

const (
	defaultListLimit = 50

	// Retention applied by backends that support expiry.
	fileTTL         = 30 * 24 * time.Hour
	conversationTTL = 90 * 24 * time.Hour
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
