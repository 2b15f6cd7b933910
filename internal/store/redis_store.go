package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisStore keeps each entity in a hash with per-user ordered index lists,
// so listing stays cheap without secondary queries. Entity and index are
// written in one pipeline to keep them consistent. Records expire with the
// retention TTLs.
//
// Keys:
//
//	file:{id}                hash of file metadata
//	file_content:{id}        extracted text body
//	user_files:{userID}      list of file ids, newest first
//	conversation:{id}        hash of one exchange
//	user_conversations:{userID}
//	file_conversations:{fileID}
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

// SaveFile writes metadata, text body, and the owner index entry atomically.
func (s *RedisStore) SaveFile(rec FileRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	ctx, cancel := opCtx()
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, fileKey(rec.ID), map[string]any{
		"user_id":          rec.UserID,
		"file_name":        rec.FileName,
		"file_size":        rec.FileSize,
		"file_extension":   rec.FileExtension,
		"content_hash":     rec.ContentHash,
		"word_count":       rec.WordCount,
		"mime_type":        rec.MIMEType,
		"upload_timestamp": rec.UploadedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, fileContentKey(rec.ID), rec.ExtractedText, fileTTL)
	pipe.LPush(ctx, userFilesKey(rec.UserID), rec.ID)
	pipe.Expire(ctx, fileKey(rec.ID), fileTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", wrapRedisErr("save file", err)
	}
	return rec.ID, nil
}

// GetFile loads metadata and text; owner mismatch reads as not-found.
func (s *RedisStore) GetFile(id, userID string) (FileRecord, bool, error) {
	ctx, cancel := opCtx()
	defer cancel()
	fields, err := s.client.HGetAll(ctx, fileKey(id)).Result()
	if err != nil {
		return FileRecord{}, false, wrapRedisErr("get file", err)
	}
	if len(fields) == 0 || fields["user_id"] != userID {
		return FileRecord{}, false, nil
	}
	text, err := s.client.Get(ctx, fileContentKey(id)).Result()
	if err == redis.Nil {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, wrapRedisErr("get file content", err)
	}
	rec := fileFromFields(id, fields)
	rec.ExtractedText = text
	return rec, true, nil
}

// ListFiles resolves the owner index to metadata, newest first.
func (s *RedisStore) ListFiles(userID string) ([]FileRecord, error) {
	ctx, cancel := opCtx()
	defer cancel()
	ids, err := s.client.LRange(ctx, userFilesKey(userID), 0, -1).Result()
	if err != nil {
		return nil, wrapRedisErr("list files", err)
	}
	res := make([]FileRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, fileKey(id)).Result()
		if err != nil {
			return nil, wrapRedisErr("list files", err)
		}
		// Expired entities leave dangling index entries behind.
		if len(fields) == 0 || fields["user_id"] != userID {
			continue
		}
		res = append(res, fileFromFields(id, fields))
	}
	return res, nil
}

// DeleteFile removes the entity, its text body, and the index entry.
func (s *RedisStore) DeleteFile(id, userID string) (bool, error) {
	ctx, cancel := opCtx()
	defer cancel()
	fields, err := s.client.HGetAll(ctx, fileKey(id)).Result()
	if err != nil {
		return false, wrapRedisErr("delete file", err)
	}
	if len(fields) == 0 || fields["user_id"] != userID {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fileKey(id), fileContentKey(id))
	pipe.LRem(ctx, userFilesKey(userID), 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapRedisErr("delete file", err)
	}
	return true, nil
}

// FileCount returns the owner index length.
func (s *RedisStore) FileCount(userID string) (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	n, err := s.client.LLen(ctx, userFilesKey(userID)).Result()
	if err != nil {
		return 0, wrapRedisErr("file count", err)
	}
	return int(n), nil
}

// SaveConversation writes the exchange and both index entries atomically.
func (s *RedisStore) SaveConversation(rec ConversationRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	ctx, cancel := opCtx()
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, convKey(rec.ID), map[string]any{
		"user_id":   rec.UserID,
		"file_id":   rec.FileID,
		"file_name": rec.FileName,
		"question":  rec.Question,
		"answer":    rec.Answer,
		"timestamp": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.LPush(ctx, userConvsKey(rec.UserID), rec.ID)
	if rec.FileID != "" {
		pipe.LPush(ctx, fileConvsKey(rec.FileID), rec.ID)
	}
	pipe.Expire(ctx, convKey(rec.ID), conversationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", wrapRedisErr("save conversation", err)
	}
	return rec.ID, nil
}

// GetConversation resolves an exchange; owner mismatch reads as not-found.
func (s *RedisStore) GetConversation(id, userID string) (ConversationRecord, bool, error) {
	ctx, cancel := opCtx()
	defer cancel()
	fields, err := s.client.HGetAll(ctx, convKey(id)).Result()
	if err != nil {
		return ConversationRecord{}, false, wrapRedisErr("get conversation", err)
	}
	if len(fields) == 0 || fields["user_id"] != userID {
		return ConversationRecord{}, false, nil
	}
	return convFromFields(id, fields), true, nil
}

// ListConversations walks the user index (or the file index when filtered).
func (s *RedisStore) ListConversations(userID string, limit int, fileID string) ([]ConversationRecord, error) {
	limit = normalizeLimit(limit)
	ctx, cancel := opCtx()
	defer cancel()
	indexKey := userConvsKey(userID)
	if fileID != "" {
		indexKey = fileConvsKey(fileID)
	}
	ids, err := s.client.LRange(ctx, indexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, wrapRedisErr("list conversations", err)
	}
	res := make([]ConversationRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, convKey(id)).Result()
		if err != nil {
			return nil, wrapRedisErr("list conversations", err)
		}
		if len(fields) == 0 || fields["user_id"] != userID {
			continue
		}
		res = append(res, convFromFields(id, fields))
	}
	return res, nil
}

// SearchConversations scans the user's exchanges for a case-insensitive match.
func (s *RedisStore) SearchConversations(userID, query string, limit int) ([]ConversationRecord, error) {
	limit = normalizeLimit(limit)
	query = strings.ToLower(query)
	ctx, cancel := opCtx()
	defer cancel()
	ids, err := s.client.LRange(ctx, userConvsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, wrapRedisErr("search conversations", err)
	}
	var res []ConversationRecord
	for _, id := range ids {
		if len(res) >= limit {
			break
		}
		fields, err := s.client.HGetAll(ctx, convKey(id)).Result()
		if err != nil {
			return nil, wrapRedisErr("search conversations", err)
		}
		if len(fields) == 0 || fields["user_id"] != userID {
			continue
		}
		if strings.Contains(strings.ToLower(fields["question"]), query) ||
			strings.Contains(strings.ToLower(fields["answer"]), query) {
			res = append(res, convFromFields(id, fields))
		}
	}
	return res, nil
}

// DeleteConversation removes the exchange and both index entries.
func (s *RedisStore) DeleteConversation(id, userID string) (bool, error) {
	ctx, cancel := opCtx()
	defer cancel()
	fields, err := s.client.HGetAll(ctx, convKey(id)).Result()
	if err != nil {
		return false, wrapRedisErr("delete conversation", err)
	}
	if len(fields) == 0 || fields["user_id"] != userID {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, convKey(id))
	pipe.LRem(ctx, userConvsKey(userID), 0, id)
	if fileID := fields["file_id"]; fileID != "" {
		pipe.LRem(ctx, fileConvsKey(fileID), 0, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapRedisErr("delete conversation", err)
	}
	return true, nil
}

// ConversationCount returns the user index length.
func (s *RedisStore) ConversationCount(userID string) (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	n, err := s.client.LLen(ctx, userConvsKey(userID)).Result()
	if err != nil {
		return 0, wrapRedisErr("conversation count", err)
	}
	return int(n), nil
}

// FileConversationCount returns the file index length.
func (s *RedisStore) FileConversationCount(fileID string) (int, error) {
	ctx, cancel := opCtx()
	defer cancel()
	n, err := s.client.LLen(ctx, fileConvsKey(fileID)).Result()
	if err != nil {
		return 0, wrapRedisErr("file conversation count", err)
	}
	return int(n), nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping() error {
	ctx, cancel := opCtx()
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapRedisErr("ping", err)
	}
	return nil
}

func fileKey(id string) string        { return "file:" + id }
func fileContentKey(id string) string { return "file_content:" + id }
func userFilesKey(uid string) string  { return "user_files:" + uid }
func convKey(id string) string        { return "conversation:" + id }
func userConvsKey(uid string) string  { return "user_conversations:" + uid }
func fileConvsKey(fid string) string  { return "file_conversations:" + fid }

func wrapRedisErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
}

func fileFromFields(id string, fields map[string]string) FileRecord {
	size, _ := strconv.ParseInt(fields["file_size"], 10, 64)
	words, _ := strconv.Atoi(fields["word_count"])
	uploaded, _ := time.Parse(time.RFC3339Nano, fields["upload_timestamp"])
	return FileRecord{
		ID:            id,
		UserID:        fields["user_id"],
		FileName:      fields["file_name"],
		FileSize:      size,
		FileExtension: fields["file_extension"],
		ContentHash:   fields["content_hash"],
		WordCount:     words,
		MIMEType:      fields["mime_type"],
		UploadedAt:    uploaded,
	}
}

func convFromFields(id string, fields map[string]string) ConversationRecord {
	created, _ := time.Parse(time.RFC3339Nano, fields["timestamp"])
	return ConversationRecord{
		ID:        id,
		UserID:    fields["user_id"],
		FileID:    fields["file_id"],
		FileName:  fields["file_name"],
		Question:  fields["question"],
		Answer:    fields["answer"],
		CreatedAt: created,
	}
}
