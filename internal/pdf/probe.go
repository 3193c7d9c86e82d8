package pdf

import (
	"bytes"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ProbeResult is what a real parser learned about a buffer.
type ProbeResult struct {
	PageCount     int
	Encrypted     bool
	NeedsPassword bool
}

// Prober parses a PDF buffer with a real parser. It backs the fallback validation path and
// decides whether encryption is recoverable.
type Prober interface {
	Probe(buf []byte) (*ProbeResult, error)
}

// PDFCPUProber uses pdfcpu in relaxed validation mode.
type PDFCPUProber struct{}

// NewPDFCPUProber creates a pdfcpu-backed prober.
func NewPDFCPUProber() *PDFCPUProber {
	return &PDFCPUProber{}
}

// Probe reads buf with an empty user password. A password error means the document cannot
// be opened without credentials.
func (p *PDFCPUProber) Probe(buf []byte) (*ProbeResult, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(bytes.NewReader(buf), conf)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "password") {
			return &ProbeResult{Encrypted: true, NeedsPassword: true}, nil
		}
		return nil, err
	}

	return &ProbeResult{
		PageCount: ctx.PageCount,
		Encrypted: ctx.Encrypt != nil,
	}, nil
}
