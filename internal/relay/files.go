package relay

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/models"
)

type storedFile struct {
	name        string
	contentType string
	purpose     string
	ticketID    string
	data        []byte
	uploadedAt  time.Time
}

// FileStore keeps uploaded attachments in memory.
type FileStore struct {
	mu    sync.RWMutex
	files map[string]storedFile
}

// NewFileStore creates an empty store.
func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string]storedFile)}
}

func (fs *FileStore) put(f storedFile) string {
	id := uuid.NewString()
	fs.mu.Lock()
	fs.files[id] = f
	fs.mu.Unlock()
	return id
}

func (fs *FileStore) get(id string) (storedFile, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	f, ok := fs.files[id]
	return f, ok
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	name := path.Base(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(buf.Bytes())
	}

	stored := storedFile{
		name:        name,
		contentType: contentType,
		purpose:     r.FormValue("purpose"),
		ticketID:    r.FormValue("ticket_id"),
		data:        buf.Bytes(),
		uploadedAt:  time.Now(),
	}
	id := s.files.put(stored)
	key := id + "/" + url.PathEscape(name)

	s.logger.Info("File uploaded",
		zap.String("file_id", id),
		zap.String("ticket_id", stored.ticketID),
		zap.String("purpose", stored.purpose),
		zap.Int("size", len(stored.data)))

	writeJSON(w, http.StatusCreated, models.Attachment{
		ID:          id,
		URL:         requestBaseURL(r) + "/files/" + key,
		Filename:    name,
		Size:        int64(len(stored.data)),
		ContentType: contentType,
		Key:         key,
	})
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	f, ok := s.files.get(mux.Vars(r)["file_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Type", f.contentType)
	http.ServeContent(w, r, f.name, f.uploadedAt, bytes.NewReader(f.data))
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
