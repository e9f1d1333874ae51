package index

import (
	"database/sql"
	"time"
)

// StorageConfig identifies one storage source. The id is immutable once
// referenced by index rows; rows are soft-deleted, never removed.
type StorageConfig struct {
	ID   int64
	Name string
	Kind string // core.KindLocal or core.KindS3

	// S3 only
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string // possibly encrypted at rest, see internal/secrets
	EndpointURL     string
	CustomDomain    string
	UseHTTPS        bool
	ACLMode         string

	// LOCAL only
	RootPath string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt sql.NullTime
}

// Node is one row of the unified index: a directory or file observed in
// backend storage. path is absolute with no trailing slash; the root is
// never stored; (storage_id, path) is unique among non-deleted rows.
type Node struct {
	ID        int64
	StorageID int64
	Path      string
	Name      string
	IsDir     bool
	SizeBytes int64
	MimeType  sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt sql.NullTime
}

// FileEntry is one row of the legacy file-only index, kept in lockstep
// with Node by every mutation path. directory is a directory key ("" is
// the root); (storage_id, directory, alias_name) is unique among
// non-deleted rows.
type FileEntry struct {
	ID           int64
	StorageID    int64
	Directory    string
	OriginalName string
	AliasName    string
	Purpose      string
	SizeBytes    int64
	MimeType     sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    sql.NullTime
}

// FullPath returns the absolute path of the entry's file.
func (f *FileEntry) FullPath() string {
	if f.Directory == "" {
		return "/" + f.AliasName
	}
	return f.Directory + "/" + f.AliasName
}
