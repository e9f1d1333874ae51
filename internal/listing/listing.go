// Package listing serves paged directory views from the metadata index.
// It never touches live storage; the sync engine is responsible for
// keeping the index current.
package listing

import (
	"context"
	"strconv"
	"time"

	"filedex/internal/core"
	"filedex/internal/index"
)

// View selects how directories and files are combined.
type View string

const (
	// ViewFlat merges directories and files into one ordered sequence.
	ViewFlat View = "flat"
	// ViewDirs pages over directories only.
	ViewDirs View = "dirs"
	// ViewFiles pages over files only.
	ViewFiles View = "files"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Request describes one page of a directory view.
type Request struct {
	StorageID int64
	Path      string // absolute form
	View      View
	OrderBy   string // name, size or time; name when empty
	Order     string // asc or desc; asc when empty
	PageSize  int
	Cursor    string
	FileType  string
	Search    string
}

// Page is one page of results plus the token for the next one.
type Page struct {
	CurrentPath string
	Items       []core.ListItem
	NextCursor  string
	HasMore     bool
}

// Counts is the count-only response.
type Counts struct {
	CurrentPath string
	DirCount    int64
	FileCount   int64
}

// Engine answers listing queries against the index.
type Engine struct {
	store *index.Store
	log   core.Logger
}

func NewEngine(store *index.Store, log core.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// List returns one page of the requested directory.
func (e *Engine) List(ctx context.Context, req Request) (*Page, error) {
	q, display, err := e.buildQuery(req)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	// One extra row tells us whether another page exists.
	q.Limit = pageSize + 1

	nodes, err := e.store.ListChildren(ctx, *q)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "listing %s", display)
	}

	page := &Page{CurrentPath: display}
	if len(nodes) > pageSize {
		page.HasMore = true
		nodes = nodes[:pageSize]
		last := nodes[len(nodes)-1]
		page.NextCursor = encodeCursor(cursor{
			View:      string(viewOrDefault(req.View)),
			OrderBy:   orderByOrDefault(req.OrderBy),
			Order:     orderOrDefault(req.Order),
			LastValue: sortKeyValue(last, orderByOrDefault(req.OrderBy)),
			LastID:    last.ID,
		})
	}

	page.Items = make([]core.ListItem, 0, len(nodes))
	for _, n := range nodes {
		page.Items = append(page.Items, nodeItem(n))
	}
	return page, nil
}

// Count returns directory and file counts for the request without
// fetching any rows.
func (e *Engine) Count(ctx context.Context, req Request) (*Counts, error) {
	req.Cursor = ""
	q, display, err := e.buildQuery(req)
	if err != nil {
		return nil, err
	}
	dirs, files, err := e.store.CountChildren(ctx, *q)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "counting %s", display)
	}
	return &Counts{CurrentPath: display, DirCount: dirs, FileCount: files}, nil
}

func (e *Engine) buildQuery(req Request) (*index.ChildrenQuery, string, error) {
	abs := core.NormalizeAbsolute(req.Path)
	if len(abs) > core.MaxPathLen {
		return nil, "", core.E(core.KindInvalidArgument, "path exceeds %d characters", core.MaxPathLen)
	}
	dirKey := core.DirectoryKey(abs)

	view := viewOrDefault(req.View)
	switch view {
	case ViewFlat, ViewDirs, ViewFiles:
	default:
		return nil, "", core.E(core.KindInvalidArgument, "unknown view %q", req.View)
	}
	orderBy := orderByOrDefault(req.OrderBy)
	switch orderBy {
	case index.OrderByName, index.OrderBySize, index.OrderByTime:
	default:
		return nil, "", core.E(core.KindInvalidArgument, "unknown sort field %q", req.OrderBy)
	}
	order := orderOrDefault(req.Order)
	if order != "asc" && order != "desc" {
		return nil, "", core.E(core.KindInvalidArgument, "unknown sort order %q", req.Order)
	}

	q := &index.ChildrenQuery{
		StorageID: req.StorageID,
		DirKey:    dirKey,
		OnlyDirs:  view == ViewDirs,
		OnlyFiles: view == ViewFiles,
		FileType:  req.FileType,
		Search:    req.Search,
		OrderBy:   orderBy,
		Desc:      order == "desc",
	}

	if req.Cursor != "" {
		c, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, "", err
		}
		if c.View != string(view) || c.OrderBy != orderBy || c.Order != order {
			return nil, "", core.E(core.KindInvalidArgument,
				"cursor was issued for a different view or sort order")
		}
		after, err := sortKeyFromCursor(c)
		if err != nil {
			return nil, "", err
		}
		q.AfterValue = after
		q.AfterID = c.LastID
	}

	return q, core.DisplayPath(dirKey), nil
}

func viewOrDefault(v View) View {
	if v == "" {
		return ViewFlat
	}
	return v
}

func orderByOrDefault(s string) string {
	if s == "" {
		return index.OrderByName
	}
	return s
}

func orderOrDefault(s string) string {
	if s == "" {
		return "asc"
	}
	return s
}

func sortKeyValue(n *index.Node, orderBy string) string {
	switch orderBy {
	case index.OrderBySize:
		return strconv.FormatInt(n.SizeBytes, 10)
	case index.OrderByTime:
		return n.CreatedAt.UTC().Format(time.RFC3339Nano)
	default:
		return n.Name
	}
}

func sortKeyFromCursor(c *cursor) (any, error) {
	switch c.OrderBy {
	case index.OrderBySize:
		v, err := strconv.ParseInt(c.LastValue, 10, 64)
		if err != nil {
			return nil, core.E(core.KindInvalidArgument, "malformed cursor")
		}
		return v, nil
	case index.OrderByTime:
		v, err := time.Parse(time.RFC3339Nano, c.LastValue)
		if err != nil {
			return nil, core.E(core.KindInvalidArgument, "malformed cursor")
		}
		return v.UTC(), nil
	default:
		return c.LastValue, nil
	}
}

func nodeItem(n *index.Node) core.ListItem {
	item := core.ListItem{
		Name:         n.Name,
		Type:         core.EntryFile,
		Size:         n.SizeBytes,
		LastModified: n.CreatedAt,
	}
	if n.IsDir {
		item.Type = core.EntryDirectory
	}
	if n.MimeType.Valid {
		item.MimeType = n.MimeType.String
	}
	return item
}
