package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"filedex/internal/core"
)

const (
	presignTTL = 15 * time.Minute

	// DeleteObjects accepts at most 1000 keys per call.
	deleteBatchSize = 1000
)

// S3Config carries everything needed to talk to one bucket, after any
// at-rest credential decryption has already happened.
type S3Config struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
	EndpointURL     string // non-AWS endpoints (MinIO etc.) force path-style
	CustomDomain    string
	UseHTTPS        bool
	ACLMode         string // "private" or "public-read"
}

// S3 serves the storage verbs over one bucket (optionally under a key
// prefix). Directories are emulated: a zero-byte object keyed with a
// trailing slash marks an empty directory, and single-level listing uses
// ListObjectsV2 with Delimiter "/".
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	cfg      S3Config
	prefix   string // normalized key prefix, "" or "p/"
	retry    retryConfig
	log      core.Logger
}

// NewS3 builds an S3 backend. Credential or config load failures surface
// as DependencyUnavailable so callers can distinguish them from bad paths.
func NewS3(ctx context.Context, cfg S3Config, log core.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, core.Wrap(core.KindDependencyUnavailable, err, "loading aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(cfg.KeyPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &S3{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		cfg:      cfg,
		prefix:   prefix,
		retry:    defaultRetry(),
		log:      log,
	}, nil
}

func (b *S3) Kind() string { return core.KindS3 }

// key maps an absolute-form path to its object key. The root maps to the
// bare prefix.
func (b *S3) key(p string) string {
	return b.prefix + strings.TrimPrefix(core.DirectoryKey(p), "/")
}

// dirPrefix is the listing prefix for a directory: key plus trailing
// slash, or the bare key prefix for the root.
func (b *S3) dirPrefix(p string) string {
	k := b.key(p)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

func (b *S3) List(ctx context.Context, path string, opts core.ListOptions) (*core.Listing, error) {
	dirKey := core.DirectoryKey(path)
	if len(dirKey) > core.MaxPathLen {
		return nil, core.E(core.KindInvalidArgument, "path exceeds %d characters", core.MaxPathLen)
	}
	prefix := b.dirPrefix(path)

	if dirKey != "" {
		exists, err := b.directoryExists(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, core.E(core.KindNotFound, "directory %s not found", path)
		}
	}

	var dirs, files []core.ListItem
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, err, "listing s3 prefix %s", prefix)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" || !matchesSearch(name, opts.Search) {
				continue
			}
			dirs = append(dirs, core.ListItem{Name: name, Type: core.EntryDirectory})
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if k == prefix {
				// The directory's own placeholder object.
				continue
			}
			name := strings.TrimPrefix(k, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			if !matchesSearch(name, opts.Search) || !core.FileTypeAllowed(name, opts.FileType) {
				continue
			}
			item := core.ListItem{
				Name:     name,
				Type:     core.EntryFile,
				MimeType: core.MimeByName(name),
				Size:     aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				item.LastModified = *obj.LastModified
			}
			files = append(files, item)
		}
	}

	sortByName(dirs)
	sortByName(files)

	return &core.Listing{
		CurrentPath: core.DisplayPath(dirKey),
		Items:       append(dirs, files...),
	}, nil
}

func matchesSearch(name, search string) bool {
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(search))
}

func (b *S3) Upload(ctx context.Context, path string, files []core.UploadFile) []core.UploadResult {
	results := make([]core.UploadResult, 0, len(files))
	for _, f := range files {
		results = append(results, b.uploadOne(ctx, path, f))
	}
	return results
}

func (b *S3) uploadOne(ctx context.Context, path string, f core.UploadFile) core.UploadResult {
	if err := validateName(f.Name); err != nil {
		return failure(f.Name, err)
	}
	key := b.dirPrefix(path) + f.Name
	exists, err := b.objectExists(ctx, key)
	if err != nil {
		return failure(f.Name, err)
	}
	if exists {
		return failure(f.Name, core.E(core.KindConflict, "file %s already exists", f.Name))
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f.Content,
		ContentType: aws.String(core.MimeByName(f.Name)),
	}
	if b.cfg.ACLMode == "public-read" {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return failure(f.Name, core.Wrap(core.KindInternal, err, "uploading %s", f.Name))
	}
	return core.UploadResult{Name: f.Name, Status: core.UploadSuccess}
}

func (b *S3) Download(ctx context.Context, path string) (*core.Content, error) {
	return b.redirect(ctx, path, false)
}

func (b *S3) Preview(ctx context.Context, path string) (*core.Content, error) {
	return b.redirect(ctx, path, true)
}

// redirect hands back a URL instead of streaming bytes through the
// service: a public URL when the object is world-readable on a custom
// domain, a short-lived presigned URL otherwise.
func (b *S3) redirect(ctx context.Context, path string, inline bool) (*core.Content, error) {
	key := b.key(path)
	size, exists, err := b.headSize(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.E(core.KindNotFound, "file %s not found", path)
	}
	name := core.Basename(path)
	content := &core.Content{
		Filename: name,
		MimeType: core.MimeByName(name),
		Size:     size,
	}

	if inline && b.cfg.ACLMode == "public-read" && b.cfg.CustomDomain != "" {
		scheme := "http"
		if b.cfg.UseHTTPS {
			scheme = "https"
		}
		content.RedirectURL = fmt.Sprintf("%s://%s/%s", scheme, b.cfg.CustomDomain, key)
		return content, nil
	}

	disposition := fmt.Sprintf("attachment; filename=%q", name)
	if inline {
		disposition = "inline"
	}
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(b.cfg.Bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(disposition),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "presigning %s", path)
	}
	content.RedirectURL = req.URL
	return content, nil
}

func (b *S3) Mkdir(ctx context.Context, parent, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	parentKey := core.DirectoryKey(parent)
	if parentKey != "" {
		exists, err := b.directoryExists(ctx, b.dirPrefix(parent))
		if err != nil {
			return err
		}
		if !exists {
			return core.E(core.KindNotFound, "directory %s not found", parent)
		}
	}
	dirKey := b.dirPrefix(parent) + name + "/"
	exists, err := b.directoryExists(ctx, dirKey)
	if err != nil {
		return err
	}
	if !exists {
		if exists, err = b.objectExists(ctx, strings.TrimSuffix(dirKey, "/")); err != nil {
			return err
		}
	}
	if exists {
		return core.E(core.KindConflict, "%s already exists", name)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(dirKey),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return core.Wrap(core.KindInternal, err, "creating directory %s", name)
	}
	return nil
}

func (b *S3) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := validateName(core.Basename(newPath)); err != nil {
		return err
	}
	return b.relocate(ctx, oldPath, newPath, true)
}

func (b *S3) Move(ctx context.Context, sources []string, destination string) error {
	return b.transfer(ctx, sources, destination, true)
}

func (b *S3) Copy(ctx context.Context, sources []string, destination string) error {
	return b.transfer(ctx, sources, destination, false)
}

func (b *S3) transfer(ctx context.Context, sources []string, destination string, move bool) error {
	for _, src := range sources {
		if core.IsWithin(src, destination) {
			return core.E(core.KindInvalidArgument,
				"cannot place %s inside itself or its own subtree", src)
		}
	}
	destKey := core.DirectoryKey(destination)
	if destKey != "" {
		exists, err := b.directoryExists(ctx, b.dirPrefix(destination))
		if err != nil {
			return err
		}
		if !exists {
			return core.E(core.KindNotFound, "destination %s not found", destination)
		}
	}
	for _, src := range sources {
		target := destKey + "/" + core.Basename(src)
		if err := b.relocate(ctx, src, target, move); err != nil {
			return err
		}
	}
	return nil
}

// relocate copies a file or a whole directory prefix to a new path,
// deleting the originals afterwards when move is set. There is no atomic
// server-side rename; directories are a per-object copy loop.
func (b *S3) relocate(ctx context.Context, src, dst string, move bool) error {
	srcKey := b.key(src)
	dstKey := b.key(dst)

	if exists, err := b.pathExists(ctx, dst); err != nil {
		return err
	} else if exists {
		return core.E(core.KindConflict, "%s already exists", dst)
	}

	isFile, err := b.objectExists(ctx, srcKey)
	if err != nil {
		return err
	}
	if isFile {
		if err := b.copyObject(ctx, srcKey, dstKey); err != nil {
			return err
		}
		if move {
			return b.deleteKeys(ctx, []string{srcKey})
		}
		return nil
	}

	keys, err := b.listAllKeys(ctx, srcKey+"/")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return core.E(core.KindNotFound, "%s not found", src)
	}
	for _, k := range keys {
		newKey := dstKey + strings.TrimPrefix(k, srcKey)
		if err := b.copyObject(ctx, k, newKey); err != nil {
			return err
		}
	}
	if move {
		return b.deleteKeys(ctx, keys)
	}
	return nil
}

func (b *S3) Delete(ctx context.Context, paths []string) error {
	var keys []string
	for _, p := range paths {
		key := b.key(p)
		if key == "" {
			return core.E(core.KindInvalidArgument, "cannot delete the storage root")
		}
		isFile, err := b.objectExists(ctx, key)
		if err != nil {
			return err
		}
		if isFile {
			keys = append(keys, key)
		}
		under, err := b.listAllKeys(ctx, key+"/")
		if err != nil {
			return err
		}
		keys = append(keys, under...)
	}
	return b.deleteKeys(ctx, keys)
}

// Existence checks

func (b *S3) objectExists(ctx context.Context, key string) (bool, error) {
	_, exists, err := b.headSize(ctx, key)
	return exists, err
}

func (b *S3) headSize(ctx context.Context, key string) (int64, bool, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return 0, false, nil
		}
		return 0, false, core.Wrap(core.KindInternal, err, "checking s3 key %s", key)
	}
	return aws.ToInt64(out.ContentLength), true, nil
}

// directoryExists reports whether any object lives under prefix,
// including a bare placeholder.
func (b *S3) directoryExists(ctx context.Context, prefix string) (bool, error) {
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.cfg.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, core.Wrap(core.KindInternal, err, "listing s3 prefix %s", prefix)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

func (b *S3) pathExists(ctx context.Context, path string) (bool, error) {
	exists, err := b.objectExists(ctx, b.key(path))
	if err != nil || exists {
		return exists, err
	}
	return b.directoryExists(ctx, b.dirPrefix(path))
}

// Bulk helpers

func (b *S3) listAllKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, err, "listing s3 prefix %s", prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *S3) copyObject(ctx context.Context, srcKey, dstKey string) error {
	err := retryDo(ctx, b.retry, func() error {
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.cfg.Bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(b.cfg.Bucket + "/" + srcKey),
		})
		return err
	})
	if err != nil {
		return core.Wrap(core.KindInternal, err, "copying %s to %s", srcKey, dstKey)
	}
	return nil
}

func (b *S3) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}
		err := retryDo(ctx, b.retry, func() error {
			_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.cfg.Bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			return err
		})
		if err != nil {
			return core.Wrap(core.KindInternal, err, "deleting %d s3 objects", end-start)
		}
	}
	return nil
}

// Raw byte access for the thumbnail cache.

func (b *S3) StatFile(ctx context.Context, path string) (int64, error) {
	size, exists, err := b.headSize(ctx, b.key(path))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, core.E(core.KindNotFound, "file %s not found", path)
	}
	return size, nil
}

func (b *S3) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, core.E(core.KindNotFound, "file %s not found", path)
		}
		return nil, core.Wrap(core.KindInternal, err, "reading %s", path)
	}
	return out.Body, nil
}

func (b *S3) WriteFile(ctx context.Context, path string, r io.Reader, size int64) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.key(path)),
		Body:        r,
		ContentType: aws.String(core.MimeByName(path)),
	})
	if err != nil {
		return core.Wrap(core.KindInternal, err, "writing %s", path)
	}
	return nil
}

var (
	_ core.Backend   = (*S3)(nil)
	_ core.RawAccess = (*S3)(nil)
)
