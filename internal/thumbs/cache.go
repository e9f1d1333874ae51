// Package thumbs materializes resized image derivatives beside their
// originals and serves them through the backend's raw byte access.
package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"

	// Register decoders beyond the stdlib set.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"filedex/internal/core"
)

const (
	DefaultWidth   = 256
	DefaultQuality = 75

	// Originals above this size are refused rather than decoded.
	maxSourceBytes = 20 << 20
)

// Cache directory names. The local one is hidden; S3 has no hidden-file
// convention so its prefix is plain.
const (
	localCacheDir = ".thumbnails"
	s3CacheDir    = "thumbnails"
)

// Options select the derivative. Zero values mean defaults: a square
// bounding box of DefaultWidth, webp output, DefaultQuality.
type Options struct {
	Width   int
	Height  int
	Format  string
	Quality int
}

// Cache builds and serves thumbnails keyed by (path, width, height,
// format). Derivatives are stored write-through in a sibling cache
// directory, so repeated requests cost one stat plus one read.
type Cache struct {
	log core.Logger
}

func NewCache(log core.Logger) *Cache {
	return &Cache{log: log}
}

// GetOrCreate returns the cached derivative for path, building it on a
// miss. Only image MIME types are eligible; anything else is a client
// error, never a server error.
func (c *Cache) GetOrCreate(ctx context.Context, b core.Backend, path string, opts Options) (*core.Content, error) {
	raw, ok := b.(core.RawAccess)
	if !ok {
		return nil, core.E(core.KindDependencyUnavailable,
			"storage kind %s does not support thumbnails", b.Kind())
	}

	if !strings.HasPrefix(core.MimeByName(path), "image/") {
		return nil, core.E(core.KindInvalidArgument, "%s is not an image", path)
	}

	opts = normalize(opts)
	cachePath := c.cachePath(b.Kind(), path, opts)

	if size, err := raw.StatFile(ctx, cachePath); err == nil {
		body, err := raw.ReadFile(ctx, cachePath)
		if err == nil {
			return &core.Content{
				Filename: core.Basename(cachePath),
				MimeType: "image/" + opts.Format,
				Size:     size,
				Body:     body,
			}, nil
		}
		c.log.Warn("thumbs: cached entry unreadable, rebuilding", "path", cachePath, "error", err)
	}

	return c.build(ctx, raw, path, cachePath, opts)
}

func (c *Cache) build(ctx context.Context, raw core.RawAccess, path, cachePath string, opts Options) (*core.Content, error) {
	size, err := raw.StatFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if size > maxSourceBytes {
		return nil, core.E(core.KindInvalidArgument,
			"%s is %d bytes, above the %d byte thumbnail ceiling", path, size, maxSourceBytes)
	}

	src, err := raw.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, core.Wrap(core.KindInvalidArgument, err, "decoding %s", path)
	}

	resized := imaging.Fit(img, opts.Width, opts.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := encode(&buf, resized, opts); err != nil {
		return nil, err
	}

	// Write-through is best effort: a failed cache write still serves the
	// bytes we just produced.
	if err := raw.WriteFile(ctx, cachePath, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		c.log.Warn("thumbs: cache write failed", "path", cachePath, "error", err)
	}

	return &core.Content{
		Filename: core.Basename(cachePath),
		MimeType: "image/" + opts.Format,
		Size:     int64(buf.Len()),
		Body:     io.NopCloser(&buf),
	}, nil
}

// normalize fills defaults and resolves the output format up front, so
// the cache key always names the format actually produced. webp falls
// back to jpeg: the runtime can decode webp but has no webp encoder.
func normalize(opts Options) Options {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = opts.Width
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	switch strings.ToLower(opts.Format) {
	case "png":
		opts.Format = "png"
	case "gif":
		opts.Format = "gif"
	default:
		opts.Format = "jpeg"
	}
	return opts
}

func encode(w io.Writer, img image.Image, opts Options) error {
	switch opts.Format {
	case "png":
		return imaging.Encode(w, img, imaging.PNG)
	case "gif":
		return imaging.Encode(w, img, imaging.GIF)
	default:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(opts.Quality))
	}
}

// cachePath places the derivative in a cache directory beside the
// original, named after the source file and the bounding box.
func (c *Cache) cachePath(kind, path string, opts Options) string {
	dir, name := core.SplitPath(path)
	cacheDir := localCacheDir
	if kind == core.KindS3 {
		cacheDir = s3CacheDir
	}
	return fmt.Sprintf("%s/%s/%s_%dx%d.%s", dir, cacheDir, name, opts.Width, opts.Height, opts.Format)
}
