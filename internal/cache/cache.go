// Package cache keeps downloaded station logos on disk.
package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/glebovdev/streamradio/internal/config"
	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultExpiry is how long cached images are valid (7 days).
	DefaultExpiry = 7 * 24 * time.Hour
	ImageSubdir   = "images"
	// MaxImageSize bounds a logo download.
	MaxImageSize = 2 << 20
)

var ErrNoImage = errors.New("no image at url")

// Fetcher is the part of fetch.Fetcher the cache downloads with.
type Fetcher interface {
	GetAll(ctx context.Context, rawURL string, opts fetch.Options) (*fetch.Result, error)
}

// Cache manages disk-based caching of station logo images.
type Cache struct {
	fs      afero.Fs
	baseDir string
	expiry  time.Duration
	fetcher Fetcher
}

// NewCache creates a cache in the user cache directory.
func NewCache(fetcher Fetcher) (*Cache, error) {
	cacheDir, err := GetCacheDir()
	if err != nil {
		return nil, err
	}
	return New(afero.NewOsFs(), cacheDir, fetcher), nil
}

func New(fs afero.Fs, baseDir string, fetcher Fetcher) *Cache {
	return &Cache{
		fs:      fs,
		baseDir: baseDir,
		expiry:  DefaultExpiry,
		fetcher: fetcher,
	}
}

// GetCacheDir returns the platform-specific cache directory for the application.
func GetCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}
	return filepath.Join(userCacheDir, config.CacheName), nil
}

func hashURL(url string) string {
	hash := md5.Sum([]byte(url))
	return hex.EncodeToString(hash[:])
}

func (c *Cache) imagePath(url string) string {
	return filepath.Join(c.baseDir, ImageSubdir, hashURL(url)+".png")
}

// GetImage retrieves a cached image by URL. Returns nil if not found or expired.
func (c *Cache) GetImage(url string) image.Image {
	imagePath := c.imagePath(url)

	info, err := c.fs.Stat(imagePath)
	if err != nil {
		return nil
	}

	if time.Since(info.ModTime()) > c.expiry {
		if err := c.fs.Remove(imagePath); err != nil {
			log.Debug().Err(err).Str("file", imagePath).Msg("Failed to remove expired cache file")
		}
		return nil
	}

	file, err := c.fs.Open(imagePath)
	if err != nil {
		return nil
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		log.Debug().Err(err).Str("file", imagePath).Msg("Failed to decode cached image")
		return nil
	}
	return img
}

// SaveImage stores an image in the cache, keyed by its URL.
func (c *Cache) SaveImage(url string, img image.Image) error {
	imageDir := filepath.Join(c.baseDir, ImageSubdir)
	if err := c.fs.MkdirAll(imageDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	file, err := c.fs.Create(c.imagePath(url))
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

// Load returns the logo at url, from the cache when possible.
func (c *Cache) Load(ctx context.Context, url string) (image.Image, error) {
	if img := c.GetImage(url); img != nil {
		log.Debug().Str("url", url).Msg("Image loaded from cache")
		return img, nil
	}
	if c.fetcher == nil {
		return nil, ErrNoImage
	}

	res, err := c.fetcher.GetAll(ctx, url, fetch.Options{Accept: "image/*", SizeLimit: MaxImageSize})
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrNoImage, res.StatusCode)
	}

	img, format, err := image.Decode(bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image from %s: %w", url, err)
	}
	log.Debug().Str("url", url).Str("format", format).Msg("Image downloaded")

	if err := c.SaveImage(url, img); err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Failed to cache image")
	}
	return img, nil
}

// CleanExpired removes cache files older than the expiry duration.
func (c *Cache) CleanExpired() error {
	imageDir := filepath.Join(c.baseDir, ImageSubdir)

	entries, err := afero.ReadDir(c.fs, imageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	now := time.Now()
	var removed, failed int
	for _, info := range entries {
		if info.IsDir() {
			continue
		}
		if now.Sub(info.ModTime()) > c.expiry {
			filePath := filepath.Join(imageDir, info.Name())
			if err := c.fs.Remove(filePath); err != nil {
				log.Debug().Err(err).Str("file", filePath).Msg("Failed to remove expired cache file")
				failed++
			} else {
				removed++
			}
		}
	}

	if removed > 0 || failed > 0 {
		log.Debug().Int("removed", removed).Int("failed", failed).Msg("Cache cleanup completed")
	}
	return nil
}
