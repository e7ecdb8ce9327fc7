package workflows

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
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"job-orchestrator/internal/artifact"
	"job-orchestrator/internal/workflow"
)

type thumbnailPayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// ThumbnailResult describes the uploaded image.
type ThumbnailResult struct {
	Location string `json:"location"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   string `json:"format"`
}

// ThumbnailOptions bound downloads and pick the default size.
type ThumbnailOptions struct {
	DownloadTimeout time.Duration
	MaxBytes        int64
	DefaultWidth    int
}

// Thumbnail downloads an image, optionally grayscales it, resizes it and
// uploads the result.
type Thumbnail struct {
	store      *artifact.Router
	httpClient *http.Client
	maxBytes   int64
	width      int
}

func NewThumbnail(store *artifact.Router, opts ThumbnailOptions) *Thumbnail {
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 25 * 1024 * 1024
	}
	if opts.DefaultWidth == 0 {
		opts.DefaultWidth = 320
	}
	return &Thumbnail{
		store:      store,
		httpClient: &http.Client{Timeout: opts.DownloadTimeout},
		maxBytes:   opts.MaxBytes,
		width:      opts.DefaultWidth,
	}
}

func (h *Thumbnail) Type() workflow.Type { return workflow.TypeMediaThumbnail }

func (h *Thumbnail) Run(ctx context.Context, wc workflow.Context, payload map[string]any) (any, error) {
	var p thumbnailPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.SourceURL == "" {
		return nil, errors.New("source_url is required")
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = h.width
	}

	data, contentType, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)

	outputFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	key := p.OutputKey
	if key == "" {
		key = fmt.Sprintf("thumbs/%s.%s", wc.JobID, formatExtension(outputFormat))
	}
	where, err := h.store.Upload(ctx, p.Destination, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	b := img.Bounds()
	return ThumbnailResult{Location: where, Width: b.Dx(), Height: b.Dy(), Format: formatExtension(outputFormat)}, nil
}

func (h *Thumbnail) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", h.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	case imaging.BMP:
		return "bmp"
	default:
		return "jpg"
	}
}

// chooseFormat prefers the output key extension, then the source format.
// webp sources are re-encoded as png since imaging cannot write webp.
func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	if f, err := imaging.FormatFromFilename(outputKey); err == nil && outputKey != "" {
		return f
	}
	switch strings.ToLower(decodeFormat) {
	case "png", "webp":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "bmp":
		return imaging.BMP
	case "jpeg":
		return imaging.JPEG
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
