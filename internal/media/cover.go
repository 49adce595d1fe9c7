package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"content-pipeline/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// CoverRenderer turns a candidate image into a portrait cover for publishing.
type CoverRenderer struct {
	cfg        config.CoverConfig
	httpClient *http.Client
	store      uploader
}

// NewCoverRenderer picks the S3 uploader when a bucket is configured and the
// local directory otherwise.
func NewCoverRenderer(ctx context.Context, cfg config.CoverConfig) (*CoverRenderer, error) {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width, cfg.Height = 1080, 1920
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 25 * 1024 * 1024
	}

	var store uploader
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = &s3Uploader{client: client, bucket: cfg.S3Bucket, publicURL: cfg.PublicURL}
	} else {
		baseDir := cfg.OutputDir
		if baseDir == "" {
			baseDir = "./output/covers"
		}
		store = &localUploader{baseDir: baseDir, publicURL: cfg.PublicURL}
	}

	return &CoverRenderer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.CoverConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// RenderCover downloads sourceURL, crops it to the cover size and uploads it
// under covers/<workItemID>.jpg. The key is stable, so rendering the same item
// twice overwrites the previous cover.
func (r *CoverRenderer) RenderCover(ctx context.Context, workItemID, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", errors.New("cover: source url is required")
	}
	data, err := r.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	var out image.Image
	if r.cfg.Width > 0 && r.cfg.Height > 0 {
		out = imaging.Fill(img, r.cfg.Width, r.cfg.Height, imaging.Center, imaging.Lanczos)
	} else {
		out = imaging.Resize(img, r.cfg.Width, r.cfg.Height, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, out, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("covers/%s.jpg", workItemID))
	url, err := r.store.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return url, nil
}

func (r *CoverRenderer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := r.cfg.MaxBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

func publicLink(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

type localUploader struct {
	baseDir   string
	publicURL string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.publicURL != "" {
		return publicLink(l.publicURL, key), nil
	}
	return path, nil
}

type s3Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.publicURL != "" {
		return publicLink(s.publicURL, key), nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
