package store

import (
	"strings"
	"sync"
)

// MemoryStore keeps all records in-process. Suitable for development and
// tests; state is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	// The id slices order newest first per owner.
	files     map[string]FileRecord
	userFiles map[string][]string
	convs     map[string]ConversationRecord
	userConvs map[string][]string
	fileConvs map[string][]string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:     make(map[string]FileRecord),
		userFiles: make(map[string][]string),
		convs:     make(map[string]ConversationRecord),
		userConvs: make(map[string][]string),
		fileConvs: make(map[string][]string),
	}
}

// SaveFile stores a file record and prepends it to the owner's index.
func (m *MemoryStore) SaveFile(rec FileRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.files[rec.ID]; !exists {
		m.userFiles[rec.UserID] = append([]string{rec.ID}, m.userFiles[rec.UserID]...)
	}
	m.files[rec.ID] = rec
	return rec.ID, nil
}

// GetFile resolves a file by id, returning not-found on owner mismatch.
func (m *MemoryStore) GetFile(id, userID string) (FileRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[id]
	if !ok || rec.UserID != userID {
		return FileRecord{}, false, nil
	}
	return rec, true, nil
}

// ListFiles returns the user's file metadata, newest first.
func (m *MemoryStore) ListFiles(userID string) ([]FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.userFiles[userID]
	res := make([]FileRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.files[id]; ok {
			rec.ExtractedText = ""
			res = append(res, rec)
		}
	}
	return res, nil
}

// DeleteFile removes a file and its index entry when owned by the caller.
func (m *MemoryStore) DeleteFile(id, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[id]
	if !ok || rec.UserID != userID {
		return false, nil
	}
	delete(m.files, id)
	m.userFiles[userID] = removeID(m.userFiles[userID], id)
	return true, nil
}

// FileCount returns the size of the user's file index.
func (m *MemoryStore) FileCount(userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userFiles[userID]), nil
}

// SaveConversation stores an exchange and updates the user and file indexes.
func (m *MemoryStore) SaveConversation(rec ConversationRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.convs[rec.ID]; !exists {
		m.userConvs[rec.UserID] = append([]string{rec.ID}, m.userConvs[rec.UserID]...)
		if rec.FileID != "" {
			m.fileConvs[rec.FileID] = append([]string{rec.ID}, m.fileConvs[rec.FileID]...)
		}
	}
	m.convs[rec.ID] = rec
	return rec.ID, nil
}

// GetConversation resolves a conversation, not-found on owner mismatch.
func (m *MemoryStore) GetConversation(id, userID string) (ConversationRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.convs[id]
	if !ok || rec.UserID != userID {
		return ConversationRecord{}, false, nil
	}
	return rec, true, nil
}

// ListConversations returns the user's exchanges newest first.
func (m *MemoryStore) ListConversations(userID string, limit int, fileID string) ([]ConversationRecord, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.userConvs[userID]
	if fileID != "" {
		ids = m.fileConvs[fileID]
	}
	res := make([]ConversationRecord, 0, len(ids))
	for _, id := range ids {
		if len(res) >= limit {
			break
		}
		rec, ok := m.convs[id]
		if !ok || rec.UserID != userID {
			continue
		}
		res = append(res, rec)
	}
	return res, nil
}

// SearchConversations matches query text against questions and answers.
func (m *MemoryStore) SearchConversations(userID, query string, limit int) ([]ConversationRecord, error) {
	limit = normalizeLimit(limit)
	query = strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []ConversationRecord
	for _, id := range m.userConvs[userID] {
		if len(res) >= limit {
			break
		}
		rec, ok := m.convs[id]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(rec.Question), query) ||
			strings.Contains(strings.ToLower(rec.Answer), query) {
			res = append(res, rec)
		}
	}
	return res, nil
}

// DeleteConversation removes an exchange and its index entries.
func (m *MemoryStore) DeleteConversation(id, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.convs[id]
	if !ok || rec.UserID != userID {
		return false, nil
	}
	delete(m.convs, id)
	m.userConvs[userID] = removeID(m.userConvs[userID], id)
	if rec.FileID != "" {
		m.fileConvs[rec.FileID] = removeID(m.fileConvs[rec.FileID], id)
	}
	return true, nil
}

// ConversationCount returns the size of the user's conversation index.
func (m *MemoryStore) ConversationCount(userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.userConvs[userID]), nil
}

// FileConversationCount returns how many exchanges reference a file.
func (m *MemoryStore) FileConversationCount(fileID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fileConvs[fileID]), nil
}

// Ping always succeeds for the in-memory backend.
func (m *MemoryStore) Ping() error { return nil }

func removeID(ids []string, id string) []string {
	filtered := ids[:0]
	for _, item := range ids {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
