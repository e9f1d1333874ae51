package app

import (
	"testing"

	"filedex/internal/config"
	"filedex/internal/thumbs"
)

func TestThumbnailOptions(t *testing.T) {
	a := &App{cfg: &config.Config{
		Thumbnails: config.ThumbnailsConfig{Width: 512, Quality: 60},
	}}

	t.Run("config fills unset fields", func(t *testing.T) {
		opts := a.ThumbnailOptions(thumbs.Options{})
		if opts.Width != 512 {
			t.Errorf("Width = %d, want 512", opts.Width)
		}
		if opts.Quality != 60 {
			t.Errorf("Quality = %d, want 60", opts.Quality)
		}
	})

	t.Run("explicit values win over config", func(t *testing.T) {
		opts := a.ThumbnailOptions(thumbs.Options{Width: 100, Quality: 90})
		if opts.Width != 100 {
			t.Errorf("Width = %d, want 100", opts.Width)
		}
		if opts.Quality != 90 {
			t.Errorf("Quality = %d, want 90", opts.Quality)
		}
	})

	t.Run("height and format pass through untouched", func(t *testing.T) {
		opts := a.ThumbnailOptions(thumbs.Options{Height: 48, Format: "png"})
		if opts.Height != 48 || opts.Format != "png" {
			t.Errorf("got %+v, want Height 48 Format png", opts)
		}
	})

	t.Run("zero config defers to package defaults", func(t *testing.T) {
		empty := &App{cfg: &config.Config{}}
		opts := empty.ThumbnailOptions(thumbs.Options{})
		if opts.Width != 0 || opts.Quality != 0 {
			t.Errorf("got %+v, want zero values left for the cache defaults", opts)
		}
	})
}
