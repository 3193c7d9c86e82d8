package domain

import "context"

// RasterizeRequest describes one invocation of the external rasterizer.
type RasterizeRequest struct {
	PDF     []byte
	Pages   PageRange
	Options ConversionOptions

	// OnPage, when set, is called after each page is rendered with the count done so far.
	OnPage func(done, total int)
}

// Rasterizer turns a PDF buffer into page images. Implementations may fail for any reason;
// callers treat it as a black box.
type Rasterizer interface {
	Rasterize(ctx context.Context, req RasterizeRequest) ([]RenderedPage, error)
}

// Publisher is the fire-and-forget notification gateway. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload interface{}) error
}
