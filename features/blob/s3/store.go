// Package s3 implements the upload blob store on Amazon S3. Objects get
// random names under a fixed root prefix so client-chosen filenames never
// reach storage paths, and the store enforces the content-type whitelist
// and size cap before any bytes leave the process.
package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	s3client "mathia.chat/mathia/features/blob/s3/clients/s3"
	"mathia.chat/mathia/runtime/blob"
	"mathia.chat/mathia/runtime/telemetry"
)

// DefaultMaxSize caps uploads at 25 MiB unless configured otherwise.
const DefaultMaxSize = 25 << 20

// defaultTypes maps accepted MIME types to object name extensions.
var defaultTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/webm":      ".weba",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

type (
	// Options configures the store.
	Options struct {
		// Client is the S3 wrapper. Required.
		Client s3client.Client
		// PublicBaseURL prefixes returned object URLs. Required.
		PublicBaseURL string
		// Prefix is the root path for uploaded objects. Empty means
		// "uploads".
		Prefix string
		// MaxSize caps object bytes. Zero means DefaultMaxSize.
		MaxSize int64
		// AllowedTypes maps accepted MIME types to extensions. Nil means
		// the default whitelist.
		AllowedTypes map[string]string
		// Logger records uploads. Nil means no logging.
		Logger telemetry.Logger
	}

	// Store implements blob.Store on S3.
	Store struct {
		client  s3client.Client
		baseURL string
		prefix  string
		maxSize int64
		types   map[string]string
		logger  telemetry.Logger
	}
)

// New validates the options and constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.PublicBaseURL == "" {
		return nil, errors.New("public base url is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "uploads"
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	types := opts.AllowedTypes
	if types == nil {
		types = defaultTypes
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Store{
		client:  opts.Client,
		baseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		prefix:  strings.Trim(prefix, "/"),
		maxSize: maxSize,
		types:   types,
		logger:  logger,
	}, nil
}

// Put implements blob.Store. The object key is a fresh UUID plus the
// extension derived from the whitelisted content type.
func (s *Store) Put(ctx context.Context, obj blob.Object) (string, error) {
	mediaType := obj.ContentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	ext, ok := s.types[strings.ToLower(mediaType)]
	if !ok {
		return "", fmt.Errorf("%w: %s", blob.ErrUnsupportedType, mediaType)
	}
	if obj.Size <= 0 {
		return "", errors.New("s3: object size is required")
	}
	if obj.Size > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes over %d cap", blob.ErrTooLarge, obj.Size, s.maxSize)
	}

	key := s.prefix + "/" + uuid.NewString() + ext
	start := time.Now()
	if err := s.client.Put(ctx, key, mediaType, obj.Size, obj.Body); err != nil {
		return "", fmt.Errorf("s3 put: %w", err)
	}
	s.logger.Info(ctx, "upload stored",
		"key", key,
		"content_type", mediaType,
		"bytes", obj.Size,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return s.baseURL + "/" + key, nil
}

var _ blob.Store = (*Store)(nil)
