// Package cover downloads item cover images and stores them in the object
// store under a content-independent key.
package cover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp" // registers the webp decoder with image.Decode

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// ErrNoCover marks a cover that could not be fetched or is not an image.
// Callers continue extraction without a cover.
var ErrNoCover = errors.New("no usable cover")

const defaultTimeout = 10 * time.Second

// Config controls cover downloads.
type Config struct {
	// Prefix is the object store directory covers are written under.
	Prefix  string        `mapstructure:"prefix"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Proxy routes downloads through the egress proxy when set.
	Proxy string `mapstructure:"-"`
}

// Saver implements workflow.CoverSaver.
type Saver struct {
	downloader crawler.Downloader
	blobs      crawler.BlobStore
	cfg        Config
	logger     *zap.Logger
}

// NewSaver constructs a Saver.
func NewSaver(downloader crawler.Downloader, blobs crawler.BlobStore, cfg Config, logger *zap.Logger) *Saver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "covers"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{downloader: downloader, blobs: blobs, cfg: cfg, logger: logger}
}

// Save fetches src as referenced from pageURL and returns the cover name,
// the hash of the normalized image URL plus the detected extension.
func (s *Saver) Save(ctx context.Context, pageURL, src string) (string, error) {
	imageURL, err := Normalize(pageURL, src)
	if err != nil {
		metrics.ObserveCover("invalid")
		return "", fmt.Errorf("%w: %w", ErrNoCover, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	resp, err := s.downloader.Get(ctx, imageURL, http.Header{"Referer": {pageURL}}, s.cfg.Proxy)
	if err != nil {
		metrics.ObserveCover("missing")
		return "", fmt.Errorf("%w: download %s: %w", ErrNoCover, imageURL, err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		metrics.ObserveCover("missing")
		return "", fmt.Errorf("%w: %s returned %d", ErrNoCover, imageURL, resp.Status)
	}

	mtype := mimetype.Detect(resp.Body)
	if !strings.HasPrefix(mtype.String(), "image/") {
		metrics.ObserveCover("invalid")
		return "", fmt.Errorf("%w: %s is %s", ErrNoCover, imageURL, mtype.String())
	}
	if _, err := imaging.Decode(bytes.NewReader(resp.Body)); err != nil {
		metrics.ObserveCover("invalid")
		return "", fmt.Errorf("%w: decode %s: %w", ErrNoCover, imageURL, err)
	}

	name := sha256.Sum(imageURL) + mtype.Extension()
	uri, err := s.blobs.PutObject(ctx, path.Join(s.cfg.Prefix, name), mtype.String(), resp.Body)
	if err != nil {
		metrics.ObserveCover("error")
		return "", fmt.Errorf("store cover: %w", err)
	}
	metrics.ObserveCover("saved")
	s.logger.Debug("cover saved", zap.String("src", imageURL), zap.String("uri", uri))
	return name, nil
}

// Normalize resolves src against pageURL and drops the query and fragment.
func Normalize(pageURL, src string) (string, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", errors.New("empty cover src")
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse cover src: %w", err)
	}
	if pageURL != "" {
		base, err := url.Parse(pageURL)
		if err != nil {
			return "", fmt.Errorf("parse page url: %w", err)
		}
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("unsupported cover url %q", ref.String())
	}
	ref.RawQuery = ""
	ref.ForceQuery = false
	ref.Fragment = ""
	return ref.String(), nil
}
