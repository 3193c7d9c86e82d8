package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/spherical/drawing-ingest/internal/domain"
	"github.com/spherical/drawing-ingest/internal/ingest"
	"github.com/spherical/drawing-ingest/internal/observability"
)

const (
	uploadField     = "file"
	multipartMemory = 32 << 20
	// multipartSlack covers form boundaries and headers around the file part.
	multipartSlack = 1 << 20
)

// DocumentHandler handles uploads and per-document queries.
type DocumentHandler struct {
	logger    *observability.Logger
	service   *ingest.Service
	maxUpload int64
}

// NewDocumentHandler creates a new document handler. maxFileSize bounds the request body.
func NewDocumentHandler(logger *observability.Logger, service *ingest.Service, maxFileSize int64) *DocumentHandler {
	return &DocumentHandler{
		logger:    logger,
		service:   service,
		maxUpload: maxFileSize + multipartSlack,
	}
}

// UploadResponseDTO is returned by Upload.
type UploadResponseDTO struct {
	*ingest.ProcessResult
	Result *domain.ConversionResult `json:"result,omitempty"`
}

// Upload handles POST /sessions/{sessionId}/documents.
//
// The PDF is sent as multipart field "file". Optional form fields dpi, format and
// quality override the conversion defaults; wait=true holds the response until the
// conversion finishes.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large",
				fmt.Sprintf("limit is %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload", err.Error())
		return
	}

	opts, err := parseOptions(r)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	result, err := h.service.ProcessFile(r.Context(), ingest.UploadRequest{
		SessionID:   sessionID,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Data:        data,
		Options:     opts,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := UploadResponseDTO{ProcessResult: result}
	if !result.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	if r.FormValue("wait") != "true" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	conv, err := result.Conversion.Wait(r.Context())
	if err != nil {
		// The client gave up; the conversion carries on in the background.
		writeError(w, http.StatusGatewayTimeout, "conversion still running", err.Error())
		return
	}
	resp.Result = conv
	writeJSON(w, http.StatusOK, resp)
}

func parseOptions(r *http.Request) (domain.ConversionOptions, error) {
	var opts domain.ConversionOptions

	if v := r.FormValue("dpi"); v != "" {
		dpi, err := strconv.Atoi(v)
		if err != nil {
			return opts, domain.ValidationError("dpi must be an integer", err)
		}
		opts.DPI = dpi
	}
	if v := r.FormValue("quality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil {
			return opts, domain.ValidationError("quality must be an integer", err)
		}
		opts.Quality = q
	}
	if v := r.FormValue("format"); v != "" {
		f, err := domain.ParseImageFormat(v)
		if err != nil {
			return opts, err
		}
		opts.Format = f
	}
	return opts, nil
}

// Status handles GET /documents/{documentId}/status.
func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetProcessingStatus(r.Context(), chi.URLParam(r, "documentId"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Images handles GET /documents/{documentId}/images.
func (h *DocumentHandler) Images(w http.ResponseWriter, r *http.Request) {
	images, err := h.service.GetConvertedImages(r.Context(), chi.URLParam(r, "documentId"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

// Page handles GET /documents/{documentId}/images/{page} by serving the image file.
func (h *DocumentHandler) Page(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid page", "pages are numbered from 1")
		return
	}

	images, err := h.service.GetConvertedImages(r.Context(), chi.URLParam(r, "documentId"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if page > len(images.ImagePaths) {
		writeError(w, http.StatusNotFound, "page not found",
			fmt.Sprintf("document has %d pages", len(images.ImagePaths)))
		return
	}

	http.ServeFile(w, r, images.ImagePaths[page-1])
}
