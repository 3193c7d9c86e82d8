package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/go-fitz"
	"github.com/spherical/drawing-ingest/internal/domain"
)

// FitzRasterizer renders PDF pages with MuPDF through go-fitz. Each call opens its own
// document, so calls for different documents run in parallel.
type FitzRasterizer struct{}

// NewFitzRasterizer creates a new go-fitz backed rasterizer.
func NewFitzRasterizer() *FitzRasterizer {
	return &FitzRasterizer{}
}

// Rasterize renders the requested pages of req.PDF at the requested DPI and encodes each
// page in the requested format.
func (r *FitzRasterizer) Rasterize(ctx context.Context, req domain.RasterizeRequest) ([]domain.RenderedPage, error) {
	doc, err := fitz.NewFromMemory(req.PDF)
	if err != nil {
		return nil, domain.ConversionError("failed to open PDF", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, domain.ConversionError("PDF has no pages", nil)
	}

	from, to := req.Pages.Bounds(pageCount)
	if from >= to {
		return nil, domain.ValidationError(
			fmt.Sprintf("page range %d-%d is outside the document (%d pages)", req.Pages.First, req.Pages.Last, pageCount), nil)
	}

	total := to - from
	pages := make([]domain.RenderedPage, 0, total)

	for pageNum := from; pageNum < to; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(pageNum, float64(req.Options.DPI))
		if err != nil {
			return nil, domain.ConversionError(fmt.Sprintf("failed to render page %d", pageNum+1), err)
		}

		data, err := encodePage(img, req.Options)
		if err != nil {
			return nil, domain.ConversionError(fmt.Sprintf("failed to encode page %d", pageNum+1), err)
		}

		bounds := img.Bounds()
		pages = append(pages, domain.RenderedPage{
			PageNumber: pageNum + 1,
			Data:       data,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
		})

		if req.OnPage != nil {
			req.OnPage(len(pages), total)
		}
	}

	return pages, nil
}

// encodePage encodes img in the configured format. Quality applies to JPEG only.
func encodePage(img image.Image, opts domain.ConversionOptions) ([]byte, error) {
	var buf bytes.Buffer
	switch opts.Format {
	case domain.FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case domain.FormatJPEG, "":
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported image format %q", opts.Format)
	}
	return buf.Bytes(), nil
}
