// Package api serves the print cost calculator over HTTP. Each browser
// session owns one engine; collection changes are pushed over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/analyzer"
	"github.com/local/printcost/internal/engine"
	"github.com/local/printcost/internal/filetype"
	"github.com/local/printcost/internal/limiter"
	"github.com/local/printcost/internal/metrics"
	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
	"github.com/local/printcost/internal/statuscheck"
	"github.com/local/printcost/internal/store"
	"github.com/local/printcost/internal/submission"
)

type Analyzer interface {
	Analyze(ctx context.Context, doc []byte) (analyzer.Result, error)
}

type AnalysisCache interface {
	Get(ctx context.Context, digest string) (store.Analysis, bool, error)
	Put(ctx context.Context, digest string, a store.Analysis) error
}

type Previews interface {
	Register(doc []byte) string
	JPEG(handle string) ([]byte, error)
	Release(handles ...string)
}

type Submitter interface {
	Submit(ctx context.Context, req submission.Request, c submission.Collection) (submission.Receipt, error)
}

type StatusReader interface {
	Get(ctx context.Context, id string) (store.Status, bool, error)
}

// Dependencies are the collaborators of the server. Cache, Status and
// Checker may be nil.
type Dependencies struct {
	Analyzer  Analyzer
	Cache     AnalysisCache
	Previews  Previews
	Submitter Submitter
	Status    StatusReader
	Checker   *statuscheck.Checker
}

type Options struct {
	Table          pricing.Table
	Engine         engine.Options
	MaxUploadBytes int64
	AnalyzeTimeout time.Duration
	SessionTTL     time.Duration
}

type Server struct {
	deps     Dependencies
	opts     Options
	sessions *Sessions
	hub      *Hub
	slots    *limiter.Slots
	detector *filetype.Detector
	upgrader websocket.Upgrader
}

func New(deps Dependencies, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = 30 * time.Second
	}
	s := &Server{
		deps:     deps,
		opts:     opts,
		hub:      NewHub(),
		slots:    limiter.New(1),
		detector: filetype.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.sessions = NewSessions(opts.SessionTTL, func() *engine.Engine {
		return engine.New(opts.Table, opts.Engine)
	})
	s.sessions.onCreate = func(sess *session) {
		id := sess.id
		sess.unsubscribe = sess.engine.Subscribe(func(snap engine.Snapshot) { s.hub.Publish(id, snap) })
	}
	s.sessions.onEvict = func(sess *session) {
		if sess.unsubscribe != nil {
			sess.unsubscribe()
		}
		s.ReleasePreviews(sess.engine.Clear())
		s.hub.Drop(sess.id)
		s.slots.Forget(sess.id)
	}
	return s
}

// Start runs the event hub and the session janitor until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	interval := s.sessions.ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	go s.sessions.Run(ctx, interval)
}

// ReleasePreviews drops the preview documents of records that left a collection.
func (s *Server) ReleasePreviews(records []printjob.Record) {
	handles := make([]string, 0, len(records))
	for _, r := range records {
		if r.PreviewHandle != "" {
			handles = append(handles, r.PreviewHandle)
		}
	}
	s.deps.Previews.Release(handles...)
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/files", s.handleUpload)
	mux.HandleFunc("GET /api/files", s.handleList)
	mux.HandleFunc("PATCH /api/files/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/files/{id}", s.handleRemove)
	mux.HandleFunc("GET /api/files/{id}/preview", s.handlePreview)
	mux.HandleFunc("POST /api/submit", s.handleSubmit)
	mux.HandleFunc("GET /api/submissions/{id}", s.handleSubmission)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResp{Error: code, Message: msg})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Resolve(w, r)
	release, ok := s.slots.Allow(sess.id)
	if !ok {
		metrics.IncRejected("busy")
		writeError(w, http.StatusConflict, "analysis_in_progress", "another document is still being analyzed")
		return
	}
	defer release()

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			metrics.IncRejected("too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_form", "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "missing file")
		return
	}
	defer file.Close()
	doc, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", "cannot read upload")
		return
	}

	ft := s.detector.DetectBytes(doc, hdr.Filename)
	if !ft.Supported {
		metrics.IncRejected("unsupported_type")
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_type", "only PDF documents can be priced, got "+ft.MIMEType)
		return
	}

	res, err := s.analyze(r.Context(), doc)
	if err != nil {
		switch {
		case analyzer.IsParseError(err):
			metrics.IncRejected("parse_error")
			log.Info().Err(err).Str("session", sess.id).Str("file", hdr.Filename).Msg("document rejected")
			writeError(w, http.StatusUnprocessableEntity, "document_parse_error", "the document could not be read as a PDF")
		case errors.Is(err, context.DeadlineExceeded):
			metrics.IncRejected("timeout")
			writeError(w, http.StatusGatewayTimeout, "analysis_timeout", "document analysis took too long")
		default:
			log.Error().Err(err).Str("session", sess.id).Msg("analysis failed")
			writeError(w, http.StatusInternalServerError, "analysis_failed", "analysis failed")
		}
		return
	}

	handle := s.deps.Previews.Register(doc)
	rec, err := sess.engine.Add(engine.NewRecord{
		Document:      doc,
		PreviewHandle: handle,
		File: printjob.FileInfo{
			Name:         hdr.Filename,
			Size:         int64(len(doc)),
			MIMEType:     ft.MIMEType,
			LastModified: lastModified(r.FormValue("lastModified")),
		},
		PageCount: res.PageCount,
		Pages:     res.Pages,
	})
	if err != nil {
		s.deps.Previews.Release(handle)
		log.Error().Err(err).Str("session", sess.id).Msg("failed to add record")
		writeError(w, http.StatusInternalServerError, "add_failed", err.Error())
		return
	}
	log.Info().Str("session", sess.id).Int64("id", rec.ID).Str("file", rec.File.Name).
		Int("pages", rec.PageCount).Float64("cost", rec.TotalPrintCost).Msg("document added")
	writeJSON(w, http.StatusCreated, rec)
}

// analyze consults the cache before running the analyzer under the
// configured timeout.
func (s *Server) analyze(ctx context.Context, doc []byte) (analyzer.Result, error) {
	digest := store.Digest(doc)
	if s.deps.Cache != nil {
		if a, ok, err := s.deps.Cache.Get(ctx, digest); err != nil {
			log.Warn().Err(err).Msg("analysis cache read failed")
		} else if ok {
			metrics.CacheHit()
			return analyzer.Result{PageCount: a.PageCount, Pages: a.Pages, Backend: a.Backend, DegradedPages: a.Degraded}, nil
		}
		metrics.CacheMiss()
	}

	actx, cancel := context.WithTimeout(ctx, s.opts.AnalyzeTimeout)
	defer cancel()
	res, err := s.deps.Analyzer.Analyze(actx, doc)
	if err != nil {
		return analyzer.Result{}, err
	}
	if s.deps.Cache != nil {
		a := store.Analysis{PageCount: res.PageCount, Pages: res.Pages, Backend: res.Backend, Degraded: res.DegradedPages}
		if err := s.deps.Cache.Put(ctx, digest, a); err != nil {
			log.Warn().Err(err).Msg("analysis cache write failed")
		}
	}
	return res, nil
}

// lastModified parses the client's millisecond timestamp.
func lastModified(v string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Resolve(w, r)
	snap := sess.engine.Snapshot()
	if snap.Files == nil {
		snap.Files = []printjob.Record{}
	}
	writeJSON(w, http.StatusOK, snap)
}

type updateReq struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// rawValue accepts both JSON strings and bare numbers.
func rawValue(v json.RawMessage) (string, bool) {
	if len(v) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func (s *Server) recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "record id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recordID(w, r)
	if !ok {
		return
	}
	sess := s.sessions.Lookup(r)
	if sess == nil {
		writeError(w, http.StatusNotFound, "record_not_found", "no such record")
		return
	}
	defer r.Body.Close()
	var req updateReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	value, ok := rawValue(req.Value)
	if !ok || req.Field == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "field and value are required")
		return
	}

	rec, err := sess.engine.Update(id, printjob.Field(req.Field), value)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case printjob.IsNotFound(err):
		writeError(w, http.StatusNotFound, "record_not_found", err.Error())
	case printjob.IsInvalidSetting(err):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_setting_value", Message: err.Error(), Field: req.Field})
	default:
		writeError(w, http.StatusInternalServerError, "update_failed", err.Error())
	}
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recordID(w, r)
	if !ok {
		return
	}
	sess := s.sessions.Lookup(r)
	if sess == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if rec, ok := sess.engine.Remove(id); ok {
		s.ReleasePreviews([]printjob.Record{rec})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePreview, handleUpdate and handleRemove only act on existing records,
// so a request without a live session never creates one.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recordID(w, r)
	if !ok {
		return
	}
	sess := s.sessions.Lookup(r)
	if sess == nil {
		writeError(w, http.StatusNotFound, "record_not_found", "no such record")
		return
	}
	rec, ok := sess.engine.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "record_not_found", "no such record")
		return
	}
	img, err := s.deps.Previews.JPEG(rec.PreviewHandle)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "preview_failed", "preview unavailable")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(img)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Resolve(w, r)
	defer r.Body.Close()
	var req submission.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	rc, err := s.deps.Submitter.Submit(r.Context(), req, sess.engine)
	var fe *submission.FieldError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, rc)
	case errors.As(err, &fe):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_submitter", Message: fe.Reason, Field: fe.Field})
	case errors.Is(err, submission.ErrEmptyCollection):
		writeError(w, http.StatusConflict, "empty_collection", "add at least one document before submitting")
	case errors.Is(err, submission.ErrSubmissionTransport):
		writeError(w, http.StatusBadGateway, "submission_transport_error", "the order could not be delivered; please upload again")
	default:
		log.Error().Err(err).Str("session", sess.id).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, "submit_failed", "submit failed")
	}
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeError(w, http.StatusNotFound, "not_found", "submission tracking is disabled")
		return
	}
	id := r.PathValue("id")
	st, ok, err := s.deps.Status.Get(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("submission_id", id).Msg("status lookup failed")
		writeError(w, http.StatusInternalServerError, "status_failed", "status lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown submission")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	sum := s.deps.Checker.Summary(r.Context())
	code := http.StatusOK
	if !sum.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Resolve(w, r)
	// carries the Set-Cookie of a freshly created session
	conn, err := s.upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Register(sess.id, conn, encodeSnapshot("initial", sess.engine.Snapshot()))

	go func() {
		for {
			// client messages are ignored; a read error means the socket is gone
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(sess.id, conn)
				return
			}
		}
	}()
}
