package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

var (
	// ErrUploadMissing indicates no file was sent.
	ErrUploadMissing = errors.New("file is required")
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the MIME type is not permitted.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrUploadScanFailed indicates validation of the file failed.
	ErrUploadScanFailed = errors.New("file scanning failed")
)

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// UploadService validates file answers and stores them.
type UploadService interface {
	Upload(ctx context.Context, file *multipart.FileHeader) (dto.FileReferenceResponse, error)
}

type uploadService struct {
	storage FileStorage
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
	now     func() time.Time
}

// NewUploadService constructs an upload service.
func NewUploadService(storage FileStorage, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &uploadService{
		storage: storage,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/upload"),
		now:     time.Now,
	}
}

func (s *uploadService) Upload(ctx context.Context, file *multipart.FileHeader) (dto.FileReferenceResponse, error) {
	ctx, span := s.tracer.Start(ctx, "upload.store")
	defer span.End()

	start := s.now()
	defer func() {
		observability.FileUploadLatency().Observe(time.Since(start).Seconds())
	}()

	span.SetAttributes(attribute.Int64("upload.max_bytes", s.maxSize))
	if file == nil {
		return s.reject(span, "missing", ErrUploadMissing)
	}
	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		return s.reject(span, "size", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		return s.reject(span, "open", err)
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		return s.reject(span, "read", err)
	}
	if int64(buf.Len()) > s.maxSize {
		return s.reject(span, "size", ErrUploadTooLarge)
	}

	detected := mimetype.Detect(buf.Bytes())
	contentType := normalizeMime(detected.String())
	span.SetAttributes(attribute.String("upload.detected_mime", contentType))
	if !isAllowedType(contentType) {
		return s.reject(span, "type", ErrUploadTypeNotAllowed)
	}

	if err := s.scan(buf.Bytes(), contentType); err != nil {
		return s.reject(span, "scan", err)
	}

	checksum := sha256.Sum256(buf.Bytes())
	name := sanitizeFileName(file.Filename, detected.Extension(), s.now())
	span.SetAttributes(
		attribute.String("upload.sanitized_name", name),
		attribute.Int64("upload.size_bytes", int64(buf.Len())),
	)

	url, err := s.storage.Upload(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return s.reject(span, "storage", err)
	}

	observability.FileUploads().WithLabelValues("stored").Inc()
	span.SetStatus(codes.Ok, "stored")
	s.logger.Info().Str("file_name", name).Str("content_type", contentType).Msg("file answer stored")

	return dto.FileReferenceResponse{
		URL:         url,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   int64(buf.Len()),
		Checksum:    hex.EncodeToString(checksum[:]),
	}, nil
}

func (s *uploadService) reject(span trace.Span, reason string, err error) (dto.FileReferenceResponse, error) {
	observability.FileUploads().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return dto.FileReferenceResponse{}, err
}

func (s *uploadService) scan(payload []byte, contentType string) error {
	if contentType != "application/zip" {
		return nil
	}
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return ErrUploadScanFailed
	}
	var totalUncompressed uint64
	for _, f := range reader.File {
		totalUncompressed += f.UncompressedSize64
		if totalUncompressed > uint64(s.maxSize*20) {
			return fmt.Errorf("zip archive uncompressed size too large: %w", ErrUploadScanFailed)
		}
	}
	return nil
}

func sanitizeFileName(name, detectedExt string, now time.Time) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("answer-%d", now.Unix())
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = detectedExt
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}

func normalizeMime(m string) string {
	lower := strings.ToLower(strings.TrimSpace(m))
	if idx := strings.Index(lower, ";"); idx >= 0 {
		lower = strings.TrimSpace(lower[:idx])
	}
	if lower == "application/x-zip-compressed" {
		return "application/zip"
	}
	return lower
}

func isAllowedType(m string) bool {
	if strings.HasPrefix(m, "image/") {
		return m != "image/svg+xml"
	}
	switch m {
	case "application/pdf",
		"application/zip",
		"text/plain",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return true
	default:
		return false
	}
}
