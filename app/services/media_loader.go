package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
)

// ErrMediaTooLarge is returned when a media object exceeds the configured size
var ErrMediaTooLarge = errors.New("media exceeds maximum size")

// MediaPayload is a campaign attachment ready for the gateway
type MediaPayload struct {
	Kind     models.MediaKind
	MimeType string
	FileName string
	Base64   string
}

// MediaLoader resolves a campaign media reference into a payload
type MediaLoader interface {
	Load(ctx context.Context, campaign *models.Campaign) (*MediaPayload, error)
}

// S3Downloader is the subset of manager.Downloader used by the loader
type S3Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

type mediaLoader struct {
	s3       S3Downloader
	http     *http.Client
	maxBytes int64
}

// NewMediaLoader creates a loader supporting s3://, http(s):// and inline base64 references.
// s3 may be nil, in which case s3:// references fail.
func NewMediaLoader(cfg config.MediaConfig, downloader S3Downloader) MediaLoader {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &mediaLoader{
		s3:       downloader,
		http:     &http.Client{Timeout: timeout},
		maxBytes: cfg.MaxBytes,
	}
}

// NewS3Downloader builds an S3 downloader from the default AWS credential chain
func NewS3Downloader(ctx context.Context, cfg config.MediaConfig) (*manager.Downloader, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return manager.NewDownloader(client), nil
}

// Load fetches the media bytes, sniffs the MIME type and encodes the payload.
// A campaign without media yields nil.
func (l *mediaLoader) Load(ctx context.Context, campaign *models.Campaign) (*MediaPayload, error) {
	if campaign.MediaURL == nil || strings.TrimSpace(*campaign.MediaURL) == "" {
		return nil, nil
	}
	ref := strings.TrimSpace(*campaign.MediaURL)

	var (
		data     []byte
		fileName string
		err      error
	)
	switch {
	case strings.HasPrefix(ref, "s3://"):
		data, fileName, err = l.fromS3(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, fileName, err = l.fromHTTP(ctx, ref)
	default:
		data, err = fromInline(ref)
	}
	if err != nil {
		return nil, err
	}
	if l.maxBytes > 0 && int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, len(data))
	}

	mtype := mimetype.Detect(data)
	payload := &MediaPayload{
		MimeType: mtype.String(),
		Base64:   base64.StdEncoding.EncodeToString(data),
	}
	if campaign.MediaKind != nil && *campaign.MediaKind != "" {
		payload.Kind = *campaign.MediaKind
	} else {
		payload.Kind = MediaKindFor(mtype.String())
	}
	switch {
	case campaign.MediaFileName != nil && *campaign.MediaFileName != "":
		payload.FileName = *campaign.MediaFileName
	case fileName != "" && fileName != "." && fileName != "/":
		payload.FileName = fileName
	default:
		payload.FileName = "attachment" + mtype.Extension()
	}

	return payload, nil
}

func (l *mediaLoader) fromS3(ctx context.Context, ref string) ([]byte, string, error) {
	if l.s3 == nil {
		return nil, "", errors.New("s3 media requested but no s3 client is configured")
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, "", fmt.Errorf("invalid s3 reference %q", ref)
	}

	buf := manager.NewWriteAtBuffer([]byte{})
	if _, err := l.s3.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, "", fmt.Errorf("failed to download %s: %w", ref, err)
	}
	return buf.Bytes(), path.Base(key), nil
}

func (l *mediaLoader) fromHTTP(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("media fetch http status: %d", resp.StatusCode)
	}

	var r io.Reader = resp.Body
	if l.maxBytes > 0 {
		r = io.LimitReader(resp.Body, l.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	return data, path.Base(req.URL.Path), nil
}

// fromInline accepts a data URI or bare base64 text
func fromInline(ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		_, encoded, ok := strings.Cut(ref, ",")
		if !ok {
			return nil, errors.New("invalid data uri")
		}
		ref = encoded
	}
	data, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("media is neither a url nor base64: %w", err)
	}
	return data, nil
}
