package pdf

import (
	"bytes"
	"regexp"
	"strconv"
)

// The scans in this file are substring heuristics over raw bytes. They are fast and good
// enough for triage, but compressed object streams hide markers from them, so a miss is
// not proof of absence.

var (
	headerMagic   = []byte("%PDF-")
	eofMarker     = []byte("%%EOF")
	versionRe     = regexp.MustCompile(`^%PDF-(\d\.\d)`)
	objOpenRe     = regexp.MustCompile(`\d+\s+\d+\s+obj\b`)
	objCloseMark  = []byte("endobj")
	trailerMark   = []byte("trailer")
	xrefStreamRe  = regexp.MustCompile(`/Type\s*/XRef\b`)
	startXrefMark = []byte("startxref")

	pageTypeRe  = regexp.MustCompile(`/Type\s*/Page(?:[^s]|$)`)
	pageCountRe = regexp.MustCompile(`/Count\s+(\d+)`)
	fontRe      = regexp.MustCompile(`/Font\b`)
	textOpRe    = regexp.MustCompile(`\bBT\b[\s\S]{0,512}?\bTj\b|\bTJ\b`)
	imageRe     = regexp.MustCompile(`/Subtype\s*/Image\b`)
	acroFormRe  = regexp.MustCompile(`/AcroForm\b`)
	annotsRe    = regexp.MustCompile(`/Annots\b`)
	encryptRe   = regexp.MustCompile(`/Encrypt\b`)
)

// activeContentMarkers are reported as warnings, never errors.
var activeContentMarkers = []struct {
	name string
	re   *regexp.Regexp
}{
	{name: "JavaScript", re: regexp.MustCompile(`/(?:JavaScript|JS)\b`)},
	{name: "OpenAction", re: regexp.MustCompile(`/OpenAction\b`)},
	{name: "AutoAction", re: regexp.MustCompile(`/AA\b`)},
	{name: "Launch", re: regexp.MustCompile(`/Launch\b`)},
	{name: "GoToR", re: regexp.MustCompile(`/GoToR\b`)},
	{name: "GoToE", re: regexp.MustCompile(`/GoToE\b`)},
	{name: "SubmitForm", re: regexp.MustCompile(`/SubmitForm\b`)},
	{name: "EmbeddedFile", re: regexp.MustCompile(`/EmbeddedFile\b`)},
}

// structureFindings lists the structural problems found in buf. An empty result means the
// strict check passed.
type structureFindings struct {
	missingHeader bool
	missingEOF    bool
	problems      []string
}

func (f structureFindings) ok() bool {
	return len(f.problems) == 0
}

func hasHeader(buf []byte) bool {
	return bytes.HasPrefix(buf, headerMagic)
}

func hasEOFMarker(buf []byte, window int) bool {
	start := len(buf) - window
	if start < 0 {
		start = 0
	}
	return bytes.Contains(buf[start:], eofMarker)
}

func pdfVersion(buf []byte) string {
	head := buf
	if len(head) > 16 {
		head = head[:16]
	}
	if m := versionRe.FindSubmatch(head); m != nil {
		return string(m[1])
	}
	return ""
}

func checkStructure(buf []byte, trailerWindow int) structureFindings {
	var f structureFindings

	if !hasHeader(buf) {
		f.missingHeader = true
		f.problems = append(f.problems, "missing PDF header: file does not start with %PDF-")
	}

	if !hasEOFMarker(buf, trailerWindow) {
		f.missingEOF = true
		f.problems = append(f.problems, "missing %%EOF marker near end of file: the document appears to be truncated")
	}

	opens := len(objOpenRe.FindAllIndex(buf, -1))
	closes := bytes.Count(buf, objCloseMark)
	switch {
	case opens == 0:
		f.problems = append(f.problems, "no PDF objects found in document body")
	case opens != closes:
		f.problems = append(f.problems,
			"unbalanced object markers: "+strconv.Itoa(opens)+" obj vs "+strconv.Itoa(closes)+" endobj")
	}

	if !bytes.Contains(buf, trailerMark) && !xrefStreamRe.Match(buf) {
		f.problems = append(f.problems, "missing trailer dictionary or cross-reference stream")
	}

	if !bytes.Contains(buf, startXrefMark) {
		f.problems = append(f.problems, "missing startxref pointer to the cross-reference table")
	}

	return f
}

// contentFacts are the best-effort content signals gathered from raw bytes.
type contentFacts struct {
	pages          int
	hasText        bool
	hasImages      bool
	hasForms       bool
	hasAnnotations bool
}

func analyzeContent(buf []byte) contentFacts {
	facts := contentFacts{
		pages:          estimatePageCount(buf),
		hasText:        fontRe.Match(buf) || textOpRe.Match(buf),
		hasImages:      imageRe.Match(buf),
		hasForms:       acroFormRe.Match(buf),
		hasAnnotations: annotsRe.Match(buf),
	}
	return facts
}

// estimatePageCount counts /Type /Page leaves, falling back to the largest /Count found.
func estimatePageCount(buf []byte) int {
	if n := len(pageTypeRe.FindAllIndex(buf, -1)); n > 0 {
		return n
	}

	maxCount := 0
	for _, m := range pageCountRe.FindAllSubmatch(buf, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > maxCount {
			maxCount = n
		}
	}
	return maxCount
}

func isEncrypted(buf []byte) bool {
	return encryptRe.Match(buf)
}

func scanActiveContent(buf []byte) []string {
	found := make([]string, 0)
	for _, marker := range activeContentMarkers {
		if marker.re.Match(buf) {
			found = append(found, marker.name)
		}
	}
	return found
}
