// internal/state/files.go
package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/towdyouso/internal/types"
)

// FileStore keeps uploaded files on local disk. Each upload is stored as
// <dir>/<fileID><ext> with its metadata in <dir>/meta/<fileID>.json.
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates a FileStore writing into dir. baseURL is the public
// prefix under which files are served (e.g. http://localhost:8484).
func NewFileStore(dir, baseURL string) *FileStore {
	return &FileStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Dir returns the directory holding stored file contents.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) metaPath(id types.FileID) string {
	return filepath.Join(s.dir, "meta", string(id)+".json")
}

// Save stores data and returns its metadata.
func (s *FileStore) Save(_ context.Context, data []byte, filename, mimeType string) (*types.UploadedFile, error) {
	id := types.NewFileID()
	ext := filepath.Ext(filename)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".bin"
		}
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(ext)
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
	}

	file := &types.UploadedFile{
		ID:         id,
		StorageKey: string(id) + ext,
		Filename:   filepath.Base(filename),
		MimeType:   mimeType,
		Size:       int64(len(data)),
		CreatedAt:  time.Now().UTC(),
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, file.StorageKey), data, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	meta, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal upload meta: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(id), meta); err != nil {
		return nil, err
	}
	return file, nil
}

// Get returns metadata for a stored file.
func (s *FileStore) Get(_ context.Context, id types.FileID) (*types.UploadedFile, error) {
	if strings.ContainsAny(string(id), `/\.`) {
		return nil, fmt.Errorf("file %s: %w", id, types.ErrNotFound)
	}
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read upload meta: %w", err)
	}
	var file types.UploadedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal upload meta: %w", err)
	}
	return &file, nil
}

// Open returns a reader over the stored file contents.
func (s *FileStore) Open(ctx context.Context, id types.FileID) (io.ReadCloser, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, file.StorageKey))
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	return f, nil
}

// URLFor returns the public URL of a stored file.
func (s *FileStore) URLFor(file *types.UploadedFile) string {
	return s.baseURL + "/uploads/" + file.StorageKey
}

// DataURL returns the file contents as a base64 data URL, suitable for
// passing images inline to a model.
func (s *FileStore) DataURL(ctx context.Context, id types.FileID) (string, error) {
	file, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, file.StorageKey))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	return "data:" + file.MimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
