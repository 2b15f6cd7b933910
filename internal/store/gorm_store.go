package store

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore implements Store using GORM + SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&FileModel{}, &ConversationModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveFile stores a document record.
func (s *GormStore) SaveFile(rec FileRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	model := fileToModel(rec)
	if err := s.db.Create(&model).Error; err != nil {
		return "", err
	}
	return rec.ID, nil
}

// GetFile retrieves a document owned by userID.
func (s *GormStore) GetFile(id, userID string) (FileRecord, bool, error) {
	var model FileModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return FileRecord{}, false, nil
		}
		return FileRecord{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListFiles returns the user's documents, newest first, without text bodies.
func (s *GormStore) ListFiles(userID string) ([]FileRecord, error) {
	var models []FileModel
	err := s.db.
		Omit("extracted_text").
		Where("user_id = ?", userID).
		Order("uploaded_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]FileRecord, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// DeleteFile removes a document owned by userID.
func (s *GormStore) DeleteFile(id, userID string) (bool, error) {
	tx := s.db.Delete(&FileModel{}, "id = ? AND user_id = ?", id, userID)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// FileCount returns the number of documents a user owns.
func (s *GormStore) FileCount(userID string) (int, error) {
	var count int64
	if err := s.db.Model(&FileModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveConversation records one question and answer exchange.
func (s *GormStore) SaveConversation(rec ConversationRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	model := convToModel(rec)
	if err := s.db.Create(&model).Error; err != nil {
		return "", err
	}
	return rec.ID, nil
}

// GetConversation retrieves an exchange owned by userID.
func (s *GormStore) GetConversation(id, userID string) (ConversationRecord, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ConversationRecord{}, false, nil
		}
		return ConversationRecord{}, false, err
	}
	return convFromModel(model), true, nil
}

// ListConversations returns the user's exchanges, newest first,
// optionally filtered to one document.
func (s *GormStore) ListConversations(userID string, limit int, fileID string) ([]ConversationRecord, error) {
	tx := s.db.Where("user_id = ?", userID)
	if fileID != "" {
		tx = tx.Where("file_id = ?", fileID)
	}
	var models []ConversationModel
	if err := tx.Order("created_at DESC").Limit(normalizeLimit(limit)).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]ConversationRecord, 0, len(models))
	for _, m := range models {
		res = append(res, convFromModel(m))
	}
	return res, nil
}

// SearchConversations matches question or answer text, case-insensitively.
func (s *GormStore) SearchConversations(userID, query string, limit int) ([]ConversationRecord, error) {
	pattern := "%" + query + "%"
	var models []ConversationModel
	err := s.db.
		Where("user_id = ?", userID).
		Where("question LIKE ? OR answer LIKE ?", pattern, pattern).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]ConversationRecord, 0, len(models))
	for _, m := range models {
		res = append(res, convFromModel(m))
	}
	return res, nil
}

// DeleteConversation removes an exchange owned by userID.
func (s *GormStore) DeleteConversation(id, userID string) (bool, error) {
	tx := s.db.Delete(&ConversationModel{}, "id = ? AND user_id = ?", id, userID)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ConversationCount returns the number of exchanges a user owns.
func (s *GormStore) ConversationCount(userID string) (int, error) {
	var count int64
	if err := s.db.Model(&ConversationModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// FileConversationCount returns the number of exchanges about one document.
func (s *GormStore) FileConversationCount(fileID string) (int, error) {
	var count int64
	if err := s.db.Model(&ConversationModel{}).Where("file_id = ?", fileID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// Ping checks the underlying connection.
func (s *GormStore) Ping() error {
	db, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

func fileToModel(rec FileRecord) FileModel {
	return FileModel{
		ID:            rec.ID,
		UserID:        rec.UserID,
		FileName:      rec.FileName,
		FileSize:      rec.FileSize,
		FileExtension: rec.FileExtension,
		ContentHash:   rec.ContentHash,
		WordCount:     rec.WordCount,
		MIMEType:      rec.MIMEType,
		UploadedAt:    rec.UploadedAt,
		ExtractedText: rec.ExtractedText,
	}
}

func fileFromModel(m FileModel) FileRecord {
	return FileRecord{
		ID:            m.ID,
		UserID:        m.UserID,
		FileName:      m.FileName,
		FileSize:      m.FileSize,
		FileExtension: m.FileExtension,
		ContentHash:   m.ContentHash,
		WordCount:     m.WordCount,
		MIMEType:      m.MIMEType,
		UploadedAt:    m.UploadedAt,
		ExtractedText: m.ExtractedText,
	}
}

func convToModel(rec ConversationRecord) ConversationModel {
	return ConversationModel{
		ID:        rec.ID,
		UserID:    rec.UserID,
		FileID:    rec.FileID,
		FileName:  rec.FileName,
		Question:  rec.Question,
		Answer:    rec.Answer,
		CreatedAt: rec.CreatedAt,
	}
}

func convFromModel(m ConversationModel) ConversationRecord {
	return ConversationRecord{
		ID:        m.ID,
		UserID:    m.UserID,
		FileID:    m.FileID,
		FileName:  m.FileName,
		Question:  m.Question,
		Answer:    m.Answer,
		CreatedAt: m.CreatedAt,
	}
}
