package core

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// Storage kinds supported by the backend factory.
const (
	KindLocal = "LOCAL"
	KindS3    = "S3"
)

// EntryType distinguishes directories from files in listings.
type EntryType string

const (
	EntryDirectory EntryType = "directory"
	EntryFile      EntryType = "file"
)

// ListItem is one entry of a single-level directory listing.
type ListItem struct {
	Name         string
	Type         EntryType
	MimeType     string // empty for directories
	Size         int64
	LastModified time.Time // zero when the backend cannot provide one
}

// Listing is the result of Backend.List: the canonical slash-terminated
// current path plus its immediate children.
type Listing struct {
	CurrentPath string
	Items       []ListItem
}

// ListOptions filter a backend listing.
type ListOptions struct {
	FileType string // extension group, see FileTypeAllowed
	Search   string // case-insensitive substring on the entry name
}

// UploadFile is one incoming file for Backend.Upload.
type UploadFile struct {
	Name    string
	Content io.Reader
	Size    int64
}

// Upload result statuses. Upload is the only verb with per-item partial
// results; a name collision is a per-file failure, never an overwrite.
const (
	UploadSuccess = "success"
	UploadFailure = "failure"
)

// UploadResult reports the outcome for a single uploaded file.
type UploadResult struct {
	Name    string
	Status  string
	Message string
}

// Content is what download/preview/thumbnail return: either a byte stream
// (local storage) or a redirect to a short-lived presigned URL (S3).
// Exactly one of Body and RedirectURL is set.
type Content struct {
	Filename    string
	MimeType    string
	Size        int64
	Body        io.ReadCloser
	RedirectURL string
}

// Close releases the stream if the content carries one.
func (c *Content) Close() error {
	if c != nil && c.Body != nil {
		return c.Body.Close()
	}
	return nil
}

// Backend is the uniform verb set over one concrete storage medium.
// Paths are absolute form (see path.go); implementations resolve them
// against their configured root or key prefix.
//
// Mutating verbs are collision-safe: a destination that already exists is
// a Conflict, not an overwrite. Delete is idempotent and skips missing
// paths.
type Backend interface {
	Kind() string

	List(ctx context.Context, path string, opts ListOptions) (*Listing, error)
	Upload(ctx context.Context, path string, files []UploadFile) []UploadResult
	Download(ctx context.Context, path string) (*Content, error)
	Preview(ctx context.Context, path string) (*Content, error)
	Mkdir(ctx context.Context, parent, name string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Move(ctx context.Context, sources []string, destination string) error
	Copy(ctx context.Context, sources []string, destination string) error
	Delete(ctx context.Context, paths []string) error
}

// RawAccess is an optional capability for byte-level access to single
// objects, used by the thumbnail cache. Backends opt in by implementing
// it; callers discover it with a type assertion.
type RawAccess interface {
	// StatFile returns size metadata for a file, or a NotFound error.
	StatFile(ctx context.Context, path string) (int64, error)
	// ReadFile opens the file at path for reading.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	// WriteFile writes size bytes from r to path, creating parents as
	// needed and overwriting any previous cache entry.
	WriteFile(ctx context.Context, path string, r io.Reader, size int64) error
}

// MimeByName guesses a MIME type from a file name, defaulting to
// application/octet-stream.
func MimeByName(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(name))); t != "" {
		// TypeByExtension may append charset params; keep the bare type.
		if i := strings.Index(t, ";"); i >= 0 {
			return strings.TrimSpace(t[:i])
		}
		return t
	}
	return "application/octet-stream"
}

// fileTypeGroups maps a filter keyword to the extensions it admits.
var fileTypeGroups = map[string]map[string]bool{
	"image":       set("jpg", "jpeg", "png", "gif", "bmp", "svg", "tiff", "webp"),
	"document":    set("doc", "docx", "odt"),
	"spreadsheet": set("xls", "xlsx", "ods"),
	"pdf":         set("pdf"),
	"markdown":    set("md"),
}

func set(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

// FileTypeAllowed reports whether name passes the extension-group filter.
// Unknown groups and the empty/"all" filter admit everything.
func FileTypeAllowed(name, fileType string) bool {
	if fileType == "" || fileType == "all" {
		return true
	}
	allowed, ok := fileTypeGroups[fileType]
	if !ok {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	return allowed[ext]
}

// FileTypeExtensions returns the extensions behind a filter group, or nil
// when the group is unknown (meaning: no filtering).
func FileTypeExtensions(fileType string) []string {
	allowed, ok := fileTypeGroups[fileType]
	if !ok {
		return nil
	}
	exts := make([]string, 0, len(allowed))
	for e := range allowed {
		exts = append(exts, e)
	}
	return exts
}
