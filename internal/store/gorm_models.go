package store

import "time"

// GORM models used for persistence.
type FileModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"not null;index"`
	FileName      string `gorm:"not null"`
	FileSize      int64  `gorm:"not null"`
	FileExtension string `gorm:"not null"`
	ContentHash   string `gorm:"index"`
	WordCount     int    `gorm:"not null"`
	MIMEType      string
	UploadedAt    time.Time `gorm:"not null;index"`
	ExtractedText string
}

func (FileModel) TableName() string { return "extracted_files" }

type ConversationModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	FileID    string `gorm:"index"`
	FileName  string
	Question  string    `gorm:"not null"`
	Answer    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (ConversationModel) TableName() string { return "conversations" }
