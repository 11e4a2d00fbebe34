// Package assets stores final job results and fetches remote inputs.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Source is the asset to persist. Exactly one field is set.
type Source struct {
	Data []byte
	Path string
	URL  string
}

// Metadata describes the owner of an upload.
type Metadata struct {
	JobID string
	Kind  string
}

// Uploaded is a retrievable public asset.
type Uploaded struct {
	Handle string
	URL    string
	MIME   string
	Size   int64
}

// FileStore persists assets onto the local filesystem and exposes them under
// a public base URL. Uploads are keyed by job id and overwrite, so retrying an
// upload for the same job is safe.
type FileStore struct {
	basePath      string
	publicBaseURL string
	fetcher       *Fetcher
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath, publicBaseURL string, fetcher *Fetcher) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("assets: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("assets: ensure base path: %w", err)
	}
	return &FileStore{
		basePath:      basePath,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		fetcher:       fetcher,
	}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	return s.basePath
}

// Upload writes src under jobs/<job id>/result.<ext> and confirms the file is
// readable before returning its handle.
func (s *FileStore) Upload(ctx context.Context, src Source, meta Metadata) (*Uploaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(meta.JobID) == "" {
		return nil, errors.New("assets: job id is required")
	}

	data := src.Data
	if src.URL != "" && src.Path == "" && len(data) == 0 {
		if s.fetcher == nil {
			return nil, errors.New("assets: no fetcher configured for remote source")
		}
		var err error
		if data, _, err = s.fetcher.Fetch(ctx, src.URL); err != nil {
			return nil, err
		}
	}

	var mime *mimetype.MIME
	switch {
	case len(data) > 0:
		mime = mimetype.Detect(data)
	case src.Path != "":
		var err error
		if mime, err = mimetype.DetectFile(src.Path); err != nil {
			return nil, fmt.Errorf("assets: sniff source: %w", err)
		}
	default:
		return nil, errors.New("assets: empty source")
	}

	key, err := sanitizeKey(path.Join("jobs", meta.JobID, "result"+extension(mime)))
	if err != nil {
		return nil, err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("assets: ensure directory: %w", err)
	}

	if len(data) > 0 {
		err = writeAtomic(fullPath, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
	} else {
		err = writeAtomic(fullPath, func(w io.Writer) error {
			in, err := os.Open(src.Path)
			if err != nil {
				return err
			}
			defer in.Close()
			_, err = io.Copy(w, in)
			return err
		})
	}
	if err != nil {
		return nil, fmt.Errorf("assets: write %s: %w", key, err)
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("assets: confirm %s: %w", key, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("assets: %s is empty", key)
	}

	return &Uploaded{
		Handle: key,
		URL:    s.publicURL(key),
		MIME:   mime.String(),
		Size:   info.Size(),
	}, nil
}

func (s *FileStore) publicURL(key string) string {
	if s.publicBaseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.basePath, filepath.FromSlash(key)))
	}
	return s.publicBaseURL + "/" + key
}

// writeAtomic replaces dst through a temp file in the same directory.
func writeAtomic(dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

func extension(mime *mimetype.MIME) string {
	if ext := mime.Extension(); ext != "" {
		return ext
	}
	return ".bin"
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("assets: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("assets: invalid key")
	}
	return cleaned, nil
}
