package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"docgenius/internal/ai"
	"docgenius/internal/extract"
	"docgenius/internal/ratelimit"
	"docgenius/internal/session"
	"docgenius/internal/storage"
	"docgenius/internal/store"
	"docgenius/internal/util"
)

const (
	questionMinChars = 3
	questionMaxChars = 1000
	previewChars     = 500
	maxJSONBody      = 1 << 20
)

// AIClient answers questions about document text.
type AIClient interface {
	Answer(ctx context.Context, docText, question string, reqCtx ai.Context) (ai.Answer, error)
	Summarize(ctx context.Context, docText string, maxWords int) (string, error)
	KeyPoints(ctx context.Context, docText string, n int) (string, error)
	Model() string
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store          store.Store
	AI             AIClient
	Sessions       *session.Manager
	Objects        storage.ObjectStore // optional raw-upload archive
	ChatLimiter    *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes the document question-answering HTTP API.
type Server struct {
	store          store.Store
	ai             AIClient
	sessions       *session.Manager
	objects        storage.ObjectStore
	chatLimiter    *ratelimit.FixedWindowLimiter
	proxies        *util.TrustedProxies
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.AI == nil {
		return nil, errors.New("server: ai client is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("server: session manager is required")
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	s := &Server{
		store:          cfg.Store,
		ai:             cfg.AI,
		sessions:       cfg.Sessions,
		objects:        cfg.Objects,
		chatLimiter:    cfg.ChatLimiter,
		proxies:        cfg.TrustedProxies,
		maxUploadBytes: maxBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the fully wrapped handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	s.mux.Handle("/api/v1/files", s.withUser(s.handleFiles))
	s.mux.Handle("/api/v1/files/", s.withUser(s.handleFileByID))
	s.mux.Handle("/api/v1/chat", s.withUser(s.handleChat))
	s.mux.Handle("/api/v1/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/api/v1/conversations/search", s.withUser(s.handleConversationSearch))
	s.mux.Handle("/api/v1/conversations/", s.withUser(s.handleConversationByID))
	s.mux.Handle("/api/v1/analytics", s.withUser(s.handleAnalytics))
}

// withUser resolves the session cookie, minting one for first-time
// visitors, and passes the user id to the handler.
type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := s.sessions.EnsureUser(w, r)
		next(w, r, userID)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	storeState := "ok"
	status := http.StatusOK
	if err := s.store.Ping(); err != nil {
		slog.Warn("health check store ping failed", "error", err)
		storeState = "unavailable"
		status = http.StatusServiceUnavailable
	}
	payload := map[string]string{"status": "ok", "store": storeState}
	if status != http.StatusOK {
		payload["status"] = "degraded"
	}
	writeJSON(w, status, payload)
}

// /api/v1/files
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, userID)
	case http.MethodGet:
		s.handleListFiles(w, userID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		if isMaxBytes(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	fileName := filepath.Base(strings.TrimSpace(header.Filename))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, "a valid filename is required")
		return
	}
	ext := extract.ExtFromName(fileName)
	if !extract.Supported(ext) {
		writeError(w, http.StatusBadRequest,
			"unsupported file type, allowed: "+strings.Join(extract.SupportedExtensions(), ", "))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		if isMaxBytes(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read uploaded file")
		return
	}

	res, err := extract.Extract(data, ext)
	if err != nil {
		switch {
		case errors.Is(err, extract.ErrUnsupportedType):
			writeError(w, http.StatusBadRequest, "unsupported file type")
		case errors.Is(err, extract.ErrEmptyDocument):
			writeError(w, http.StatusBadRequest, "no extractable text found in document")
		default:
			slog.Error("text extraction failed", "file", fileName, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to process document")
		}
		return
	}

	hash := md5.Sum(data)
	rec := store.FileRecord{
		UserID:        userID,
		FileName:      fileName,
		FileSize:      int64(len(data)),
		FileExtension: ext,
		ContentHash:   hex.EncodeToString(hash[:]),
		WordCount:     res.WordCount,
		MIMEType:      contentTypeFor(header.Header.Get("Content-Type"), ext),
		UploadedAt:    time.Now().UTC(),
		ExtractedText: res.Text,
	}
	id, err := s.store.SaveFile(rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rec.ID = id

	if s.objects != nil {
		key := storage.UploadKey(userID, id, fileName)
		if err := s.objects.Put(r.Context(), key, bytes.NewReader(data), rec.FileSize, rec.MIMEType); err != nil {
			slog.Warn("raw upload archive failed", "key", key, "error", err)
		}
	}

	slog.Info("file processed",
		"file_id", id,
		"file_name", fileName,
		"word_count", res.WordCount,
		"request_id", util.RequestIDFromRequest(r))
	resp := fileResponseFrom(rec)
	resp.PageCount = res.PageCount
	resp.TextPreview = preview(res.Text)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFiles(w http.ResponseWriter, userID string) {
	files, err := s.store.ListFiles(userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	items := make([]fileResponse, 0, len(files))
	for _, f := range files {
		items = append(items, fileResponseFrom(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": items,
		"count": len(items),
	})
}

// /api/v1/files/{id} and /api/v1/files/{id}/download
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/files/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "download":
			s.handleDownload(w, r, userID, id)
		case "summary":
			s.handleSummary(w, r, userID, id)
		case "key-points":
			s.handleKeyPoints(w, r, userID, id)
		default:
			http.NotFound(w, r)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, ok, err := s.store.GetFile(id, userID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		resp := fileResponseFrom(rec)
		resp.ExtractedText = rec.ExtractedText
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		rec, ok, err := s.store.GetFile(id, userID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		if _, err := s.store.DeleteFile(id, userID); err != nil {
			writeStoreError(w, err)
			return
		}
		if s.objects != nil {
			key := storage.UploadKey(userID, id, rec.FileName)
			if err := s.objects.Delete(r.Context(), key); err != nil {
				slog.Warn("archived upload delete failed", "key", key, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "file_id": id})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, userID, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, ok := s.ownedFile(w, id, userID)
	if !ok {
		return
	}
	if s.objects == nil {
		writeError(w, http.StatusNotFound, "download is not available")
		return
	}
	key := storage.UploadKey(userID, rec.ID, rec.FileName)
	url, err := s.objects.PresignGet(r.Context(), key, storage.DownloadExpiry)
	if err != nil {
		slog.Error("presign download failed", "key", key, "error", err)
		writeError(w, http.StatusNotFound, "download is not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"download_url":       url,
		"file_name":          rec.FileName,
		"expires_in_seconds": int(storage.DownloadExpiry.Seconds()),
	})
}

// /api/v1/files/{id}/summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, userID, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	rec, ok := s.ownedFile(w, id, userID)
	if !ok {
		return
	}
	var req summaryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	summary, err := s.ai.Summarize(r.Context(), rec.ExtractedText, req.MaxWords)
	if err != nil {
		writeAIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":     rec.ID,
		"file_name":   rec.FileName,
		"summary":     summary,
		"status_code": http.StatusOK,
	})
}

// /api/v1/files/{id}/key-points
func (s *Server) handleKeyPoints(w http.ResponseWriter, r *http.Request, userID, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	rec, ok := s.ownedFile(w, id, userID)
	if !ok {
		return
	}
	var req keyPointsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	points, err := s.ai.KeyPoints(r.Context(), rec.ExtractedText, req.Count)
	if err != nil {
		writeAIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":     rec.ID,
		"file_name":   rec.FileName,
		"key_points":  points,
		"status_code": http.StatusOK,
	})
}

// ownedFile loads a file for the requesting user or writes the error response.
func (s *Server) ownedFile(w http.ResponseWriter, id, userID string) (store.FileRecord, bool) {
	rec, ok, err := s.store.GetFile(id, userID)
	if err != nil {
		writeStoreError(w, err)
		return store.FileRecord{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return store.FileRecord{}, false
	}
	return rec, true
}

// /api/v1/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.chatLimiter != nil && !s.chatLimiter.Allow("chat|"+util.ClientIP(r, s.proxies)) {
		w.Header().Set("Retry-After", "3600")
		writeError(w, http.StatusTooManyRequests, "too many questions, please try again later")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	question := strings.TrimSpace(req.Question)
	switch n := utf8.RuneCountInString(question); {
	case n < questionMinChars:
		writeError(w, http.StatusBadRequest, "question must be at least 3 characters")
		return
	case n > questionMaxChars:
		writeError(w, http.StatusBadRequest, "question must be at most 1000 characters")
		return
	}
	if req.FileID == "" {
		writeError(w, http.StatusBadRequest, "file_id is required")
		return
	}
	rec, ok := s.ownedFile(w, req.FileID, userID)
	if !ok {
		return
	}

	ans, err := s.ai.Answer(r.Context(), rec.ExtractedText, question, ai.Context{
		FileName: rec.FileName,
		UserID:   userID,
	})
	if err != nil {
		writeAIError(w, r, err)
		return
	}

	conv := store.ConversationRecord{
		UserID:    userID,
		FileID:    rec.ID,
		FileName:  rec.FileName,
		Question:  question,
		Answer:    ans.Text,
		CreatedAt: time.Now().UTC(),
	}
	convID, err := s.store.SaveConversation(conv)
	if err != nil {
		// The answer was produced; losing the history entry should not
		// fail the request.
		slog.Error("save conversation failed", "file_id", rec.ID, "error", err)
		convID = ""
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Answer:         ans.Text,
		ConversationID: convID,
		FileID:         rec.ID,
		FileName:       rec.FileName,
		Model:          ans.Model,
		StatusCode:     http.StatusOK,
		Timestamp:      conv.CreatedAt,
	})
}

// /api/v1/conversations
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	fileID := r.URL.Query().Get("file_id")
	convs, err := s.store.ListConversations(userID, limit, fileID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversationResponses(convs),
		"count":         len(convs),
	})
}

// /api/v1/conversations/search
func (s *Server) handleConversationSearch(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	convs, err := s.store.SearchConversations(userID, query, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversationResponses(convs),
		"count":         len(convs),
		"query":         query,
	})
}

// /api/v1/conversations/{id}
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, userID string) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, ok, err := s.store.GetConversation(id, userID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeJSON(w, http.StatusOK, conversationResponseFrom(rec))
	case http.MethodDelete:
		deleted, err := s.store.DeleteConversation(id, userID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "conversation_id": id})
	default:
		methodNotAllowed(w)
	}
}

// /api/v1/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	files, err := s.store.FileCount(userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	convs, err := s.store.ConversationCount(userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_files":         files,
		"total_conversations": convs,
		"questions_asked":     convs,
	})
}

// response shapes

type chatRequest struct {
	FileID   string `json:"file_id"`
	Question string `json:"question"`
}

type summaryRequest struct {
	MaxWords int `json:"max_words"`
}

type keyPointsRequest struct {
	Count int `json:"count"`
}

type chatResponse struct {
	Answer         string    `json:"answer"`
	ConversationID string    `json:"conversation_id,omitempty"`
	FileID         string    `json:"file_id"`
	FileName       string    `json:"file_name"`
	Model          string    `json:"model,omitempty"`
	StatusCode     int       `json:"status_code"`
	Timestamp      time.Time `json:"timestamp"`
}

type fileResponse struct {
	FileID          string    `json:"file_id"`
	FileName        string    `json:"file_name"`
	FileSize        int64     `json:"file_size"`
	FileExtension   string    `json:"file_extension"`
	ContentHash     string    `json:"content_hash"`
	WordCount       int       `json:"word_count"`
	PageCount       int       `json:"page_count,omitempty"`
	MIMEType        string    `json:"mime_type"`
	UploadTimestamp time.Time `json:"upload_timestamp"`
	TextPreview     string    `json:"text_preview,omitempty"`
	ExtractedText   string    `json:"extracted_text,omitempty"`
}

func fileResponseFrom(rec store.FileRecord) fileResponse {
	return fileResponse{
		FileID:          rec.ID,
		FileName:        rec.FileName,
		FileSize:        rec.FileSize,
		FileExtension:   rec.FileExtension,
		ContentHash:     rec.ContentHash,
		WordCount:       rec.WordCount,
		MIMEType:        rec.MIMEType,
		UploadTimestamp: rec.UploadedAt,
	}
}

type conversationResponse struct {
	ConversationID string    `json:"conversation_id"`
	FileID         string    `json:"file_id"`
	FileName       string    `json:"file_name,omitempty"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	Timestamp      time.Time `json:"timestamp"`
}

func conversationResponseFrom(rec store.ConversationRecord) conversationResponse {
	return conversationResponse{
		ConversationID: rec.ID,
		FileID:         rec.FileID,
		FileName:       rec.FileName,
		Question:       rec.Question,
		Answer:         rec.Answer,
		Timestamp:      rec.CreatedAt,
	}
}

func conversationResponses(recs []store.ConversationRecord) []conversationResponse {
	out := make([]conversationResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, conversationResponseFrom(rec))
	}
	return out
}

// helpers

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status_code": status})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		slog.Error("store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage backend unavailable")
		return
	}
	slog.Error("store operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeAIError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		slog.Warn("ai request failed",
			"status", apiErr.Status,
			"error", apiErr.Message,
			"request_id", util.RequestIDFromRequest(r))
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	slog.Error("ai request failed", "error", err, "request_id", util.RequestIDFromRequest(r))
	writeError(w, http.StatusInternalServerError, "AI service error")
}

func isMaxBytes(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func preview(text string) string {
	if len(text) <= previewChars {
		return text
	}
	cut := previewChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func contentTypeFor(headerType, ext string) string {
	if headerType != "" {
		return headerType
	}
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	default:
		return "application/octet-stream"
	}
}
