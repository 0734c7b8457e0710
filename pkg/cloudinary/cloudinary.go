package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service stores file-submission answers on Cloudinary.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: cfg.Folder,
		now:    time.Now,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload sends an answer file to Cloudinary and returns its secure URL.
// Answers are stored as raw resources so documents keep their original bytes.
func (s *Service) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	params := uploader.UploadParams{
		Folder:       strings.Trim(s.folder, "/"),
		PublicID:     buildPublicID(name, s.now()),
		ResourceType: "raw",
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload answer file: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected answer file: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Int("bytes", result.Bytes).Msg("answer file stored")

	return result.SecureURL, nil
}

// buildPublicID keeps the extension because raw resources are served under their public id.
func buildPublicID(name string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "answer"
	}

	return fmt.Sprintf("%s-%d%s", base, now.Unix(), ext)
}
