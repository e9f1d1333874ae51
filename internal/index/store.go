package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"filedex/internal/core"
	"filedex/internal/index/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting every query run either on the root connection or inside an
// explicit transaction (see WithTx).
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the metadata index: storage configs plus the Node and FileEntry
// tables, backed by SQLite.
type Store struct {
	db *sql.DB
	q  DBTX
}

// Open opens (or creates) the index database at path and migrates it to
// the latest schema. path can be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index database: %w", err)
	}
	return &Store{db: db, q: db}, nil
}

// OpenConnection opens and configures a SQLite connection with the
// PRAGMAs the index relies on. Exported for tools and tests.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys are OFF by default in SQLite for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Begin opens an explicit transaction. The caller owns commit/rollback and
// typically pairs it with WithTx.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// WithTx returns a Store running every query on tx instead of the root
// connection. The returned Store shares no state beyond the connection.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx}
}

// CheckMigrations verifies the schema is at the latest version.
func (s *Store) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Storage config operations

const storageConfigCols = `id, name, kind, region, bucket, key_prefix, access_key_id,
	secret_access_key, endpoint_url, custom_domain, use_https, acl_mode, root_path,
	created_at, updated_at, deleted_at`

func scanStorageConfig(row interface{ Scan(...any) error }) (*StorageConfig, error) {
	var c StorageConfig
	var region, bucket, keyPrefix, accessKey, secretKey, endpoint, domain, rootPath sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Kind, &region, &bucket, &keyPrefix, &accessKey,
		&secretKey, &endpoint, &domain, &c.UseHTTPS, &c.ACLMode, &rootPath,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, err
	}
	c.Region = region.String
	c.Bucket = bucket.String
	c.KeyPrefix = keyPrefix.String
	c.AccessKeyID = accessKey.String
	c.SecretAccessKey = secretKey.String
	c.EndpointURL = endpoint.String
	c.CustomDomain = domain.String
	c.RootPath = rootPath.String
	return &c, nil
}

func (s *Store) CreateStorageConfig(ctx context.Context, c *StorageConfig) (*StorageConfig, error) {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO storage_configs (name, kind, region, bucket, key_prefix, access_key_id,
			secret_access_key, endpoint_url, custom_domain, use_https, acl_mode, root_path,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Kind, c.Region, c.Bucket, c.KeyPrefix, c.AccessKeyID,
		c.SecretAccessKey, c.EndpointURL, c.CustomDomain, c.UseHTTPS, c.ACLMode, c.RootPath,
		now, now)
	if err != nil {
		return nil, fmt.Errorf("creating storage config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading storage config id: %w", err)
	}
	return s.GetStorageConfig(ctx, id)
}

// GetStorageConfig returns the non-deleted config with the given id, or
// nil when it does not exist.
func (s *Store) GetStorageConfig(ctx context.Context, id int64) (*StorageConfig, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+storageConfigCols+` FROM storage_configs WHERE id = ? AND deleted_at IS NULL`, id)
	c, err := scanStorageConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding storage config: %w", err)
	}
	return c, nil
}

// GetStorageConfigByName matches by name; deleted rows count too so a
// soft-deleted name cannot be silently reused.
func (s *Store) GetStorageConfigByName(ctx context.Context, name string) (*StorageConfig, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+storageConfigCols+` FROM storage_configs WHERE name = ? ORDER BY id LIMIT 1`, name)
	c, err := scanStorageConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding storage config by name: %w", err)
	}
	return c, nil
}

func (s *Store) ListStorageConfigs(ctx context.Context) ([]*StorageConfig, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+storageConfigCols+` FROM storage_configs WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing storage configs: %w", err)
	}
	defer rows.Close()

	var out []*StorageConfig
	for rows.Next() {
		c, err := scanStorageConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning storage config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SoftDeleteStorageConfig(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE storage_configs SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("deleting storage config: %w", err)
	}
	return nil
}

// Node operations

const nodeCols = `id, storage_id, path, name, is_dir, size_bytes, mime_type,
	created_at, updated_at, deleted_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.StorageID, &n.Path, &n.Name, &n.IsDir, &n.SizeBytes,
		&n.MimeType, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNodeByPath returns the non-deleted node at (storageID, path), or nil.
func (s *Store) GetNodeByPath(ctx context.Context, storageID int64, path string) (*Node, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE storage_id = ? AND path = ? AND deleted_at IS NULL`,
		storageID, path)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding node by path: %w", err)
	}
	return n, nil
}

func (s *Store) InsertNode(ctx context.Context, n *Node) (*Node, error) {
	now := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO nodes (storage_id, path, name, is_dir, size_bytes, mime_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.StorageID, n.Path, n.Name, n.IsDir, n.SizeBytes, n.MimeType, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading node id: %w", err)
	}
	inserted := *n
	inserted.ID = id
	inserted.CreatedAt = now
	inserted.UpdatedAt = now
	return &inserted, nil
}

func (s *Store) UpdateNodeMeta(ctx context.Context, id int64, sizeBytes int64, mimeType sql.NullString) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE nodes SET size_bytes = ?, mime_type = ?, updated_at = ? WHERE id = ?`,
		sizeBytes, mimeType, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating node metadata: %w", err)
	}
	return nil
}

// UpdateNodeLocation rewrites a node's path and basename, leaving size and
// mime type untouched.
func (s *Store) UpdateNodeLocation(ctx context.Context, id int64, path, name string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE nodes SET path = ?, name = ?, updated_at = ? WHERE id = ?`,
		path, name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating node location: %w", err)
	}
	return nil
}

func (s *Store) SoftDeleteNode(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE nodes SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("soft-deleting node: %w", err)
	}
	return nil
}

func (s *Store) HardDeleteNode(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	return nil
}

// NodesUnderPrefix returns every non-deleted node at or below prefixKey
// (directory-key form; "" selects the whole storage).
func (s *Store) NodesUnderPrefix(ctx context.Context, storageID int64, prefixKey string) ([]*Node, error) {
	var rows *sql.Rows
	var err error
	if prefixKey == "" {
		rows, err = s.q.QueryContext(ctx,
			`SELECT `+nodeCols+` FROM nodes WHERE storage_id = ? AND deleted_at IS NULL ORDER BY path`,
			storageID)
	} else {
		rows, err = s.q.QueryContext(ctx,
			`SELECT `+nodeCols+` FROM nodes
			 WHERE storage_id = ? AND deleted_at IS NULL AND (path = ? OR path LIKE ? || '/%')
			 ORDER BY path`,
			storageID, prefixKey, prefixKey)
	}
	if err != nil {
		return nil, fmt.Errorf("finding nodes by prefix: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Children queries for the listing engine.

// Sort fields accepted by ChildrenQuery.
const (
	OrderByName = "name"
	OrderBySize = "size"
	OrderByTime = "time"
)

// ChildrenQuery selects the immediate children of one directory with
// filtering, total ordering, and keyset position.
type ChildrenQuery struct {
	StorageID int64
	DirKey    string // directory-key form; "" is the root
	OnlyDirs  bool
	OnlyFiles bool
	FileType  string // extension group; directories always pass
	Search    string // case-insensitive substring on name

	OrderBy string // OrderByName, OrderBySize or OrderByTime
	Desc    bool

	// Keyset position: rows strictly after (AfterValue, AfterID) in the
	// requested order. AfterValue's dynamic type must match OrderBy
	// (string for name, int64 for size, time.Time for time).
	AfterValue any
	AfterID    int64

	Limit int
}

func orderExpr(orderBy string) (string, error) {
	switch orderBy {
	case OrderByName, "":
		return "name COLLATE NOCASE", nil
	case OrderBySize:
		return "size_bytes", nil
	case OrderByTime:
		return "created_at", nil
	default:
		return "", fmt.Errorf("unknown sort field %q", orderBy)
	}
}

func childrenFilter(q ChildrenQuery, exts []string) (string, []any) {
	var b strings.Builder
	args := []any{q.StorageID, q.DirKey, q.DirKey}
	// LIKE's % also matches '/', so "NOT LIKE dir/%/%" excludes anything
	// deeper than one level.
	b.WriteString(` FROM nodes
		WHERE storage_id = ? AND deleted_at IS NULL
		AND path LIKE ? || '/%' AND path NOT LIKE ? || '/%/%'`)
	if q.OnlyDirs {
		b.WriteString(` AND is_dir = 1`)
	}
	if q.OnlyFiles {
		b.WriteString(` AND is_dir = 0`)
	}
	if len(exts) > 0 {
		b.WriteString(` AND (is_dir = 1 OR (`)
		for i, e := range exts {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString("lower(name) LIKE ?")
			args = append(args, "%."+e)
		}
		b.WriteString(`))`)
	}
	if q.Search != "" {
		b.WriteString(` AND instr(lower(name), lower(?)) > 0`)
		args = append(args, q.Search)
	}
	return b.String(), args
}

// ListChildren runs a keyset-paginated children query.
func (s *Store) ListChildren(ctx context.Context, q ChildrenQuery) ([]*Node, error) {
	col, err := orderExpr(q.OrderBy)
	if err != nil {
		return nil, err
	}

	where, args := childrenFilter(q, extsForQuery(q))
	var b strings.Builder
	b.WriteString(`SELECT ` + nodeCols + where)

	if q.AfterValue != nil {
		cmp := ">"
		if q.Desc {
			cmp = "<"
		}
		fmt.Fprintf(&b, ` AND (%s %s ? OR (%s = ? AND id %s ?))`, col, cmp, col, cmp)
		args = append(args, q.AfterValue, q.AfterValue, q.AfterID)
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	fmt.Fprintf(&b, ` ORDER BY %s %s, id %s`, col, dir, dir)
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning child node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountChildren returns how many directories and files a children query
// matches, ignoring pagination.
func (s *Store) CountChildren(ctx context.Context, q ChildrenQuery) (dirs, files int64, err error) {
	where, args := childrenFilter(q, extsForQuery(q))
	query := `SELECT
		COALESCE(SUM(CASE WHEN is_dir = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN is_dir = 0 THEN 1 ELSE 0 END), 0)` + where
	row := s.q.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&dirs, &files); err != nil {
		return 0, 0, fmt.Errorf("counting children: %w", err)
	}
	return dirs, files, nil
}

func extsForQuery(q ChildrenQuery) []string {
	if q.FileType == "" || q.FileType == "all" {
		return nil
	}
	return core.FileTypeExtensions(q.FileType)
}

// File entry operations

const fileEntryCols = `id, storage_id, directory, original_name, alias_name, purpose,
	size_bytes, mime_type, created_at, updated_at, deleted_at`

func scanFileEntry(row interface{ Scan(...any) error }) (*FileEntry, error) {
	var f FileEntry
	err := row.Scan(&f.ID, &f.StorageID, &f.Directory, &f.OriginalName, &f.AliasName,
		&f.Purpose, &f.SizeBytes, &f.MimeType, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFileEntry returns the non-deleted entry at (storageID, directory,
// aliasName), or nil.
func (s *Store) GetFileEntry(ctx context.Context, storageID int64, directory, aliasName string) (*FileEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+fileEntryCols+` FROM file_entries
		 WHERE storage_id = ? AND directory = ? AND alias_name = ? AND deleted_at IS NULL`,
		storageID, directory, aliasName)
	f, err := scanFileEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding file entry: %w", err)
	}
	return f, nil
}

func (s *Store) InsertFileEntry(ctx context.Context, f *FileEntry) (*FileEntry, error) {
	now := time.Now().UTC()
	if f.Purpose == "" {
		f.Purpose = "general"
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO file_entries (storage_id, directory, original_name, alias_name, purpose,
			size_bytes, mime_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.StorageID, f.Directory, f.OriginalName, f.AliasName, f.Purpose,
		f.SizeBytes, f.MimeType, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating file entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading file entry id: %w", err)
	}
	inserted := *f
	inserted.ID = id
	inserted.CreatedAt = now
	inserted.UpdatedAt = now
	return &inserted, nil
}

func (s *Store) UpdateFileEntryMeta(ctx context.Context, id int64, sizeBytes int64, mimeType sql.NullString) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE file_entries SET size_bytes = ?, mime_type = ?, updated_at = ? WHERE id = ?`,
		sizeBytes, mimeType, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating file entry metadata: %w", err)
	}
	return nil
}

// UpdateFileEntryLocation rewrites an entry's directory and alias name.
func (s *Store) UpdateFileEntryLocation(ctx context.Context, id int64, directory, aliasName string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE file_entries SET directory = ?, alias_name = ?, updated_at = ? WHERE id = ?`,
		directory, aliasName, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating file entry location: %w", err)
	}
	return nil
}

func (s *Store) SoftDeleteFileEntry(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE file_entries SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft-deleting file entry: %w", err)
	}
	return nil
}

func (s *Store) HardDeleteFileEntry(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM file_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting file entry: %w", err)
	}
	return nil
}

// FileEntriesUnderPrefix returns every non-deleted entry whose directory
// is at or below prefixKey ("" selects the whole storage).
func (s *Store) FileEntriesUnderPrefix(ctx context.Context, storageID int64, prefixKey string) ([]*FileEntry, error) {
	var rows *sql.Rows
	var err error
	if prefixKey == "" {
		rows, err = s.q.QueryContext(ctx,
			`SELECT `+fileEntryCols+` FROM file_entries
			 WHERE storage_id = ? AND deleted_at IS NULL ORDER BY directory, alias_name`,
			storageID)
	} else {
		rows, err = s.q.QueryContext(ctx,
			`SELECT `+fileEntryCols+` FROM file_entries
			 WHERE storage_id = ? AND deleted_at IS NULL AND (directory = ? OR directory LIKE ? || '/%')
			 ORDER BY directory, alias_name`,
			storageID, prefixKey, prefixKey)
	}
	if err != nil {
		return nil, fmt.Errorf("finding file entries by prefix: %w", err)
	}
	defer rows.Close()

	var out []*FileEntry
	for rows.Next() {
		f, err := scanFileEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file entry: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
