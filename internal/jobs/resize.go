package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // decoder registration
	"image/jpeg"
	"image/png"
	"log/slog"
	"path"
	"sort"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder registration

	"github.com/kronk/taskengine/internal/platform/objectstore"
	"github.com/kronk/taskengine/internal/task"
)

// DefaultWidths are produced when a resize payload names none.
var DefaultWidths = []int{128, 512}

const (
	maxVariants = 8
	jpegQuality = 85

	// maxSourcePixels bounds the decoded source at roughly 200 MiB of RGBA.
	maxSourcePixels = 50_000_000
)

// ObjectStore is the subset of the object store client used by the resizer.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// ResizeImagePayload is the resize_image argument.
type ResizeImagePayload struct {
	// URL is the object key of the source image
	URL    string `json:"url"`
	Widths []int  `json:"widths,omitempty"`
}

// Variant is one scaled copy written back to the store.
type Variant struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Key    string `json:"key"`
}

// ResizeImageResult is the resize_image output.
type ResizeImageResult struct {
	Source   string    `json:"source"`
	Format   string    `json:"format"`
	Variants []Variant `json:"variants"`
	Skipped  []int     `json:"skipped,omitempty"`
}

// ImageResizer scales an image to several widths, keeping its aspect ratio.
type ImageResizer struct {
	objects ObjectStore
	logger  *slog.Logger
}

// NewImageResizer creates an ImageResizer.
func NewImageResizer(objects ObjectStore, logger *slog.Logger) *ImageResizer {
	return &ImageResizer{
		objects: objects,
		logger:  logger.With("component", "resize_image"),
	}
}

// Handler returns the task handler.
func (r *ImageResizer) Handler() task.Handler {
	return task.Typed(r.Resize)
}

// Resize fetches payload.URL, writes one variant per width no larger than
// the source, and reports progress after each variant.
func (r *ImageResizer) Resize(ctx context.Context, exec *task.Execution, payload ResizeImagePayload) (any, error) {
	widths, err := normalizeWidths(payload)
	if err != nil {
		return nil, task.Permanent(err)
	}

	data, _, err := r.objects.Get(ctx, payload.URL)
	if errors.Is(err, objectstore.ErrObjectNotFound) || errors.Is(err, objectstore.ErrObjectTooLarge) {
		return nil, task.Permanent(err)
	}
	if err != nil {
		return nil, err
	}

	// Decoders allocate from the declared dimensions before reading pixels.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("decode %s: %w", payload.URL, err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxSourcePixels {
		return nil, task.Permanent(fmt.Errorf("%s: %dx%d exceeds %d pixels", payload.URL, cfg.Width, cfg.Height, maxSourcePixels))
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("decode %s: %w", payload.URL, err))
	}

	result := &ResizeImageResult{Source: payload.URL, Format: format}
	bounds := src.Bounds()

	for i, width := range widths {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}
		if width >= bounds.Dx() {
			result.Skipped = append(result.Skipped, width)
			continue
		}

		height := max(1, bounds.Dy()*width/bounds.Dx())
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

		encoded, contentType, ext, err := encode(dst, format)
		if err != nil {
			return nil, fmt.Errorf("encode %dpx variant: %w", width, err)
		}

		key := variantKey(payload.URL, width, ext)
		if err := r.objects.Put(ctx, key, encoded, contentType); err != nil {
			return nil, err
		}

		result.Variants = append(result.Variants, Variant{Width: width, Height: height, Key: key})
		exec.Progress((i+1)*100/len(widths), fmt.Sprintf("wrote %s", key))
	}

	taskLogger(ctx, r.logger).Info("image resized",
		"source", payload.URL,
		"variants", len(result.Variants),
		"skipped", len(result.Skipped))
	return result, nil
}

func normalizeWidths(payload ResizeImagePayload) ([]int, error) {
	if strings.TrimSpace(payload.URL) == "" {
		return nil, errors.New("url is required")
	}

	widths := payload.Widths
	if len(widths) == 0 {
		widths = DefaultWidths
	}
	if len(widths) > maxVariants {
		return nil, fmt.Errorf("at most %d widths allowed, got %d", maxVariants, len(widths))
	}

	seen := make(map[int]bool, len(widths))
	out := make([]int, 0, len(widths))
	for _, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("width must be positive, got %d", w)
		}
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	sort.Ints(out)
	return out, nil
}

// encode writes img in the source format. Formats without an encoder are
// written as PNG.
func encode(img image.Image, format string) ([]byte, string, string, error) {
	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", "", err
		}
		return buf.Bytes(), "image/jpeg", ".jpg", nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), "image/png", ".png", nil
}

// variantKey turns "users/a.png" into "users/a_128.png".
func variantKey(source string, width int, ext string) string {
	base := strings.TrimSuffix(source, path.Ext(source))
	return fmt.Sprintf("%s_%d%s", base, width, ext)
}
