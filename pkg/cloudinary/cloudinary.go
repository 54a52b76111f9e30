package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path"
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

// Service stores submission attachments in Cloudinary.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
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
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload stores the asset under key, a slash separated path such as
// "12/34/report.pdf", and returns its secure URL.
func (s *Service) Upload(ctx context.Context, key string, reader io.Reader) (string, error) {
	folder, publicID := SplitKey(s.folder, key, time.Now())

	result, err := s.client.Upload.Upload(ctx, reader, uploader.UploadParams{
		Folder:       folder,
		PublicID:     publicID,
		ResourceType: "auto",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload asset: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected asset: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Int("bytes", result.Bytes).Msg("submission file uploaded")

	return result.SecureURL, nil
}

// SplitKey turns a storage key into the Cloudinary folder and public id. Directory
// segments are nested below root; the file name is slugged and suffixed with the
// upload timestamp so re-uploads never overwrite each other.
func SplitKey(root, key string, now time.Time) (string, string) {
	key = strings.Trim(path.Clean("/"+key), "/")
	dir, file := path.Split(key)

	segments := make([]string, 0, 4)
	if root != "" {
		segments = append(segments, root)
	}
	for _, segment := range strings.Split(strings.Trim(dir, "/"), "/") {
		if slug := slugify(segment); slug != "" {
			segments = append(segments, slug)
		}
	}

	base := slugify(strings.TrimSuffix(file, path.Ext(file)))
	if base == "" {
		base = "upload"
	}

	return strings.Join(segments, "/"), fmt.Sprintf("%s-%d", base, now.Unix())
}

func slugify(value string) string {
	value = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '-'
	}, value)
	return strings.Trim(value, "-")
}
