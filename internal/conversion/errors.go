package conversion

import (
	"context"
	"errors"
	"strings"

	"github.com/spherical/drawing-ingest/internal/domain"
)

// Recovery suggestions shown to users, one per error kind.
var suggestions = map[domain.ErrorKind]string{
	domain.ErrorKindEncrypted: "Remove password protection from the PDF and upload it again",
	domain.ErrorKindCorrupt:   "Re-export the drawing from the authoring tool or repair it with a PDF utility",
	domain.ErrorKindTimeout:   "Split the drawing set into smaller files (20 pages or fewer each) and try again",
	domain.ErrorKindMemory:    "Split the drawing set into smaller files or convert at a lower DPI",
	domain.ErrorKindTool:      "Retry the upload; if it keeps failing, re-export the PDF",
	domain.ErrorKindUnknown:   "Retry the upload or contact support with the document ID",
}

// Patterns are checked in order; the first kind with a matching substring wins.
var patterns = []struct {
	kind  domain.ErrorKind
	match []string
}{
	{domain.ErrorKindEncrypted, []string{"password", "encrypted", "decrypt"}},
	{domain.ErrorKindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{domain.ErrorKindMemory, []string{"out of memory", "cannot allocate", "malloc", "memory"}},
	{domain.ErrorKindCorrupt, []string{
		"corrupt", "damaged", "malformed", "xref", "trailer", "no pages", "failed to open",
		"cannot open document", "structural validation", "unexpected eof", "syntax error",
	}},
	{domain.ErrorKindTool, []string{"mupdf", "fitz", "render", "encode", "exit status", "signal", "failed to write"}},
}

// Suggestion returns the canned recovery text for kind.
func Suggestion(kind domain.ErrorKind) string {
	if s, ok := suggestions[kind]; ok {
		return s
	}
	return suggestions[domain.ErrorKindUnknown]
}

// Categorize maps a raw failure onto the closed set of error kinds.
func Categorize(err error) domain.ConversionFailure {
	if err == nil {
		return domain.ConversionFailure{Kind: domain.ErrorKindUnknown, Message: "unknown error", Suggestion: Suggestion(domain.ErrorKindUnknown)}
	}

	kind := classify(err)
	message := err.Error()
	var de *domain.DomainError
	if errors.As(err, &de) && de.Message != "" {
		message = de.Message
	}
	return domain.ConversionFailure{
		Kind:       kind,
		Message:    message,
		Suggestion: Suggestion(kind),
	}
}

// cancelledFailure describes a conversion stopped by its context.
func cancelledFailure(err error) domain.ConversionFailure {
	if errors.Is(err, context.DeadlineExceeded) {
		return Categorize(err)
	}
	return domain.ConversionFailure{
		Kind:       domain.ErrorKindUnknown,
		Message:    "conversion cancelled",
		Suggestion: Suggestion(domain.ErrorKindUnknown),
	}
}

// removedFailure describes a conversion whose document was cleaned up before it finished.
func removedFailure() domain.ConversionFailure {
	return domain.ConversionFailure{
		Kind:       domain.ErrorKindUnknown,
		Message:    "document was removed while converting",
		Suggestion: Suggestion(domain.ErrorKindUnknown),
	}
}

func classify(err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTimeout
	}

	text := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, m := range p.match {
			if strings.Contains(text, m) {
				return p.kind
			}
		}
	}

	switch domain.TypeOf(err) {
	case domain.ErrorTypeValidation:
		return domain.ErrorKindCorrupt
	case domain.ErrorTypeConversion, domain.ErrorTypeIO:
		return domain.ErrorKindTool
	default:
		return domain.ErrorKindUnknown
	}
}
