package backend

import (
	"context"

	"filedex/internal/core"
	"filedex/internal/index"
)

// New builds the backend for a storage config. The config's secret key
// must already be decrypted.
func New(ctx context.Context, cfg *index.StorageConfig, log core.Logger) (core.Backend, error) {
	switch cfg.Kind {
	case core.KindLocal:
		return NewLocal(cfg.RootPath, log)
	case core.KindS3:
		return NewS3(ctx, S3Config{
			Region:          cfg.Region,
			Bucket:          cfg.Bucket,
			KeyPrefix:       cfg.KeyPrefix,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			EndpointURL:     cfg.EndpointURL,
			CustomDomain:    cfg.CustomDomain,
			UseHTTPS:        cfg.UseHTTPS,
			ACLMode:         cfg.ACLMode,
		}, log)
	default:
		return nil, core.E(core.KindInvalidArgument, "unsupported storage kind %q", cfg.Kind)
	}
}
