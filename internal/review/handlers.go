package review

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/ocr-review/internal/extraction"
	"github.com/zombor/ocr-review/internal/records"
)

// maxUploadSize bounds an upload; phone photos are large
const maxUploadSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONError(w, "Internal server error", code)
		return
	}
	writeJSONError(w, err.Error(), code)
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// contentTypeFor determines the content type of an upload
func contentTypeFor(header string, filename string) string {
	if header != "" && header != "application/octet-stream" {
		return strings.ToLower(strings.TrimSpace(header))
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadDocument accepts a document and queues it for processing
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB."
		}
		writeJSONError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	userID := r.FormValue("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}

	doc, err := s.service.Upload(r.Context(), UploadInput{
		UserID:       userID,
		DocumentType: r.FormValue("document_type"),
		Filename:     header.Filename,
		ContentType:  contentTypeFor(header.Header.Get("Content-Type"), header.Filename),
		Data:         data,
	})
	if err != nil {
		if doc != nil {
			slog.Warn("Document stored but not queued", "ocr_id", doc.ID, "error", err)
		}
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     doc.ID,
		"status": string(doc.Status),
	})
}

// handleListDocuments returns the documents matching the query filters
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{UserID: q.Get("user_id")}

	if v := q.Get("status"); v != "" {
		status, ok := ParseStatus(strings.ToUpper(v))
		if !ok {
			writeJSONError(w, "unknown status "+v, http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if v := q.Get("document_type"); v != "" {
		docType, err := extraction.ParseDocumentType(v)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.DocumentType = docType
	}

	docs, err := s.service.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleGetDocument returns a single document
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleGetDocumentFile returns the uploaded file of a document
func (s *Server) handleGetDocumentFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetFile(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrFileNotFound) {
		writeJSONError(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

type reviewRequest struct {
	Fields          map[string]string `json:"fields"`
	Notes           string            `json:"notes"`
	AcceptDuplicate bool              `json:"accept_duplicate"`
}

// handleReviewDocument applies a reviewer's corrections
func (s *Server) handleReviewDocument(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	doc, err := s.service.Review(r.Context(), r.PathValue("id"), ReviewInput{
		Fields:          req.Fields,
		Notes:           req.Notes,
		AcceptDuplicate: req.AcceptDuplicate,
		ReviewedBy:      r.Header.Get("X-User-ID"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type approveRequest struct {
	CreateRecord bool   `json:"create_record"`
	DocumentType string `json:"document_type"`
}

// handleApproveDocument approves a document and optionally creates its record
func (s *Server) handleApproveDocument(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	in := ApproveInput{CreateRecord: req.CreateRecord}
	if req.DocumentType != "" {
		docType, err := extraction.ParseDocumentType(req.DocumentType)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		in.DocumentType = docType
	}

	doc, err := s.service.Approve(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// handleRejectDocument rejects a document
func (s *Server) handleRejectDocument(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	doc, err := s.service.Reject(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleRetryDocument sends a failed document through the pipeline again
func (s *Server) handleRetryDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

// handleDeleteDocument deletes a document and its file
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetRecord returns a created financial record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	docType, err := extraction.ParseDocumentType(r.PathValue("type"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.service.GetRecord(r.Context(), records.Ref{Type: docType, ID: r.PathValue("id")})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
