package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/blob"
	"github.com/sells-group/shipdoc-cli/internal/extract"
	"github.com/sells-group/shipdoc-cli/internal/ingest"
	"github.com/sells-group/shipdoc-cli/internal/match"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/pending"
	"github.com/sells-group/shipdoc-cli/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIngest accepts a multipart upload with a "file" part and optional
// "target_id" and "source" fields.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	req, ok := readUpload(w, r)
	if !ok {
		return
	}
	out, err := s.svc.Ingest(r.Context(), req)
	s.writeOutcome(w, out, err)
}

// handlePreview takes the same upload as handleIngest and holds the result
// for /pending/{id}/confirm.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := readUpload(w, r)
	if !ok {
		return
	}
	out, err := s.svc.Preview(r.Context(), req)
	s.writeOutcome(w, out, err)
}

func readUpload(w http.ResponseWriter, r *http.Request) (ingest.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return ingest.Request{}, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return ingest.Request{}, false
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return ingest.Request{}, false
	}

	source := model.SourceManual
	if model.Source(r.FormValue("source")) == model.SourceEmail {
		source = model.SourceEmail
	}
	return ingest.Request{
		Data:     data,
		Filename: header.Filename,
		Source:   source,
		TargetID: r.FormValue("target_id"),
	}, true
}

func (s *Server) handleIngestEmail(w http.ResponseWriter, r *http.Request) {
	var payload ingest.EmailPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := s.svc.IngestEmail(r.Context(), payload)
	s.writeOutcome(w, out, err)
}

func (s *Server) writeOutcome(w http.ResponseWriter, out *ingest.Outcome, err error) {
	switch {
	case err == nil:
		status := http.StatusOK
		if out.Merge != nil && out.Merge.Action == model.ActionCreate {
			status = http.StatusCreated
		} else if out.Pending != nil {
			status = http.StatusAccepted
		}
		writeJSON(w, status, out)
	case errors.Is(err, extract.ErrExtractionFailed) && out != nil:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "no text could be extracted from the document",
			"outcome": out,
		})
	default:
		writeErr(w, err)
	}
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pending.Filter{
		Status:       model.PendingStatus(q.Get("status")),
		DocumentType: model.DocumentType(q.Get("document_type")),
	}
	page, err := s.svc.Queue().List(r.Context(), filter, intParam(q.Get("page")), intParam(q.Get("size")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Queue().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePendingURL(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if secs := intParam(r.URL.Query().Get("ttl_secs")); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	u, err := s.svc.Queue().SignedURL(r.Context(), chi.URLParam(r, "id"), ttl)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) handleResolvePending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		TargetID string `json:"target_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action, ok := model.ParseResolvedAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, "action must be assign, create or discard")
		return
	}

	id := chi.URLParam(r, "id")
	res, err := s.svc.ResolvePending(r.Context(), id, action, req.TargetID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_id": id,
		"action":     action,
		"merge":      res,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ingest.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	res, err := s.svc.Confirm(r.Context(), id, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if res.Action == model.ActionCreate {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"pending_id": id,
		"merge":      res,
	})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Candidates(r.Context(), chi.URLParam(r, "id"), s.records, intParam(r.URL.Query().Get("limit")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCountPending(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Queue().Count(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending_count": n})
}

func (s *Server) handleExpirePending(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ExpirePending(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (s *Server) handleListShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.records.ListShipments(r.Context(), store.ShipmentFilter{
		Status: model.Status(q.Get("status")),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Shipment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	sh, err := s.records.GetShipment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.records.GetShipment(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	events, err := s.records.ListEvents(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []model.ShipmentEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := model.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.svc.ChangeStatus(r.Context(), id, status, req.Note); err != nil {
		writeErr(w, err)
		return
	}
	sh, err := s.records.GetShipment(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusNotFound, "blob store not configured")
		return
	}
	ref := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := s.blobs.Verify(ref, q.Get("expires"), q.Get("sig")); err != nil {
		writeErr(w, err)
		return
	}
	data, err := s.blobs.Get(r.Context(), ref)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data) //nolint:errcheck
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pending.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, pending.ErrNoOriginal):
		return http.StatusNotFound
	case errors.Is(err, match.ErrUnknownTarget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pending.ErrAlreadyResolved), errors.Is(err, model.ErrInvalidStatusTransition):
		return http.StatusConflict
	case errors.Is(err, pending.ErrTargetRequired), errors.Is(err, ingest.ErrUnknownField):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrStillNeedsReview):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrNoPDF), errors.Is(err, extract.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, blob.ErrBadSignature), errors.Is(err, blob.ErrInvalidRef):
		return http.StatusForbidden
	case errors.Is(err, blob.ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
