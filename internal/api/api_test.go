package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"

	"github.com/local/printcost/internal/analyzer"
	"github.com/local/printcost/internal/engine"
	"github.com/local/printcost/internal/pdftest"
	"github.com/local/printcost/internal/preview"
	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
	"github.com/local/printcost/internal/store"
	"github.com/local/printcost/internal/submission"
)

type fakeChannel struct {
	mu  sync.Mutex
	got []submission.Payload
	err error
}

func (f *fakeChannel) Deliver(ctx context.Context, p submission.Payload) (submission.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, p)
	if f.err != nil {
		return submission.Receipt{}, f.err
	}
	return submission.Receipt{SubmissionID: p.SubmissionID, Status: store.StateQueued, Documents: len(p.Documents), TotalPrice: p.TotalPrice}, nil
}

type harness struct {
	srv      *httptest.Server
	api      *Server
	client   *http.Client
	previews *preview.Store
	channel  *fakeChannel
	status   *store.RedisStatus
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	an, err := analyzer.New(analyzer.ModeAuto)
	if err != nil {
		t.Fatal(err)
	}
	previews := preview.NewStore(func(doc []byte) ([]byte, error) { return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil })
	ch := &fakeChannel{}
	svc := submission.NewService(ch)
	status := store.NewRedisStatus(rc, time.Hour)

	s := New(Dependencies{
		Analyzer:  an,
		Cache:     store.NewAnalysisCache(rc, time.Hour),
		Previews:  previews,
		Submitter: svc,
		Status:    status,
	}, Options{
		Table:          pricing.DefaultTable(),
		Engine:         engine.Options{MinCopies: 1, MaxCopies: 10},
		MaxUploadBytes: 1 << 20,
		AnalyzeTimeout: 10 * time.Second,
		SessionTTL:     time.Hour,
	})
	svc.OnCleared = s.ReleasePreviews

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{srv: srv, api: s, client: newClient(t), previews: previews, channel: ch, status: status, mr: mr}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func (h *harness) upload(t *testing.T, c *http.Client, name string, doc []byte) (*http.Response, printjob.Record) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(doc)
	_ = mw.WriteField("lastModified", "1700000000000")
	mw.Close()

	resp, err := c.Post(h.srv.URL+"/api/files", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rec printjob.Record
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			t.Fatal(err)
		}
	}
	return resp, rec
}

func (h *harness) do(t *testing.T, c *http.Client, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestUploadAndEdit(t *testing.T) {
	h := newHarness(t)
	doc := pdftest.Build(pdftest.TextPage(), pdftest.ImagePage(), pdftest.TextPage())

	resp, rec := h.upload(t, h.client, "report.pdf", doc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	if rec.PageCount != 3 || len(rec.Pages) != 3 || !rec.Pages[1] || rec.Pages[0] || rec.Pages[2] {
		t.Fatalf("analysis: %+v", rec)
	}
	if rec.TotalPrintCost != 15 || rec.Settings != printjob.DefaultSettings() {
		t.Fatalf("initial pricing: %+v", rec)
	}
	if rec.File.LastModified.UnixMilli() != 1700000000000 {
		t.Fatalf("last modified: %v", rec.File.LastModified)
	}

	id := "/api/files/" + strconv.FormatInt(rec.ID, 10)
	cases := []struct {
		body   string
		status int
		cost   float64
	}{
		{`{"field":"colorMode","value":"Colored"}`, http.StatusOK, 18},
		{`{"field":"copies","value":2}`, http.StatusOK, 36},
		{`{"field":"copies","value":"3"}`, http.StatusOK, 54},
		{`{"field":"printSide","value":"Both Sides"}`, http.StatusOK, 54},
		{`{"field":"copies","value":0}`, http.StatusBadRequest, 0},
		{`{"field":"copies","value":11}`, http.StatusBadRequest, 0},
		{`{"field":"paperType","value":"A3"}`, http.StatusBadRequest, 0},
		{`{"field":"paperType","value":"Legal"}`, http.StatusOK, 63},
		{`{"field":"name","value":"  "}`, http.StatusBadRequest, 0},
		{`{"field":"bogus","value":"x"}`, http.StatusBadRequest, 0},
		{`not json`, http.StatusBadRequest, 0},
	}
	for _, tc := range cases {
		resp, b := h.do(t, h.client, http.MethodPatch, id, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status %d, body %s", tc.body, resp.StatusCode, b)
		}
		if tc.status != http.StatusOK {
			continue
		}
		var got printjob.Record
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatal(err)
		}
		if got.TotalPrintCost != tc.cost {
			t.Fatalf("%s: cost %v, want %v", tc.body, got.TotalPrintCost, tc.cost)
		}
	}

	if resp, _ := h.do(t, h.client, http.MethodPatch, "/api/files/999", `{"field":"copies","value":1}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id: %d", resp.StatusCode)
	}
	if resp, _ := h.do(t, h.client, http.MethodPatch, "/api/files/abc", `{"field":"copies","value":1}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed id: %d", resp.StatusCode)
	}

	resp, b := h.do(t, h.client, http.MethodGet, "/api/files", "")
	var snap engine.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, b)
	}
	if len(snap.Files) != 1 || snap.TotalCost != 63 {
		t.Fatalf("snapshot: %+v", snap)
	}

	resp, b = h.do(t, h.client, http.MethodGet, id+"/preview", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" || len(b) == 0 {
		t.Fatalf("preview: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	if resp, _ := h.do(t, h.client, http.MethodDelete, id, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if h.previews.Len() != 0 {
		t.Fatalf("preview not released: %d", h.previews.Len())
	}
	if resp, _ := h.do(t, h.client, http.MethodDelete, id, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second delete: %d", resp.StatusCode)
	}
}

func TestUploadRejections(t *testing.T) {
	h := newHarness(t)
	if resp, _ := h.upload(t, h.client, "archive.pdf", pdftest.NotAPDF()); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("non-pdf: %d", resp.StatusCode)
	}
	if resp, _ := h.upload(t, h.client, "broken.pdf", pdftest.CorruptBody()); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("corrupt pdf: %d", resp.StatusCode)
	}
	resp, b := h.do(t, h.client, http.MethodGet, "/api/files", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), `"files":[]`) {
		t.Fatalf("rejected uploads changed the collection: %s", b)
	}
	if h.previews.Len() != 0 {
		t.Fatalf("rejected upload kept a preview")
	}
}

func TestUploadUsesAnalysisCache(t *testing.T) {
	h := newHarness(t)
	doc := pdftest.Build(pdftest.ImagePage(), pdftest.VectorPage())
	if resp, _ := h.upload(t, h.client, "a.pdf", doc); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first upload: %d", resp.StatusCode)
	}
	if !h.mr.Exists("analysis:" + store.Digest(doc)) {
		t.Fatal("analysis not cached")
	}
	resp, rec := h.upload(t, h.client, "b.pdf", doc)
	if resp.StatusCode != http.StatusCreated || rec.PageCount != 2 || !rec.Pages[0] || rec.Pages[1] {
		t.Fatalf("cached upload: %d %+v", resp.StatusCode, rec)
	}
	if rec.ID <= 1 {
		t.Fatalf("ids must increase, got %d", rec.ID)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness(t)
	if resp, _ := h.upload(t, h.client, "a.pdf", pdftest.Build(pdftest.TextPage())); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d", resp.StatusCode)
	}
	other := newClient(t)
	_, b := h.do(t, other, http.MethodGet, "/api/files", "")
	if !strings.Contains(string(b), `"files":[]`) {
		t.Fatalf("second session sees first session's files: %s", b)
	}
	if resp, _ := h.do(t, other, http.MethodPatch, "/api/files/1", `{"field":"copies","value":2}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-session edit: %d", resp.StatusCode)
	}
}

func TestRecordRequestsWithoutSessionCreateNone(t *testing.T) {
	h := newHarness(t)
	if resp, _ := h.upload(t, h.client, "a.pdf", pdftest.Build(pdftest.TextPage())); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d", resp.StatusCode)
	}
	before := h.api.sessions.Len()

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/files/1/preview", "", http.StatusNotFound},
		{http.MethodPatch, "/api/files/1", `{"field":"copies","value":2}`, http.StatusNotFound},
		{http.MethodDelete, "/api/files/1", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			anon := newClient(t)
			resp, _ := h.do(t, anon, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if len(resp.Cookies()) != 0 {
				t.Fatalf("session cookie issued: %v", resp.Cookies())
			}
			if n := h.api.sessions.Len(); n != before {
				t.Fatalf("sessions = %d, want %d", n, before)
			}
		})
	}

	// the owner still sees its record
	if resp, _ := h.do(t, h.client, http.MethodGet, "/api/files/1/preview", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("owner preview: %d", resp.StatusCode)
	}
}

func TestSubmit(t *testing.T) {
	h := newHarness(t)
	if resp, b := h.do(t, h.client, http.MethodPost, "/api/submit", `{"name":"Ada Lovelace","email":"ada@example.com"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("empty submit: %d %s", resp.StatusCode, b)
	}

	h.upload(t, h.client, "a.pdf", pdftest.Build(pdftest.TextPage(), pdftest.TextPage()))
	resp, b := h.do(t, h.client, http.MethodPost, "/api/submit", `{"name":"A1","email":"ada@example.com"}`)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(b), `"field":"name"`) {
		t.Fatalf("invalid submitter: %d %s", resp.StatusCode, b)
	}
	h.channel.mu.Lock()
	delivered := len(h.channel.got)
	h.channel.mu.Unlock()
	if delivered != 0 {
		t.Fatal("invalid submit was delivered")
	}

	resp, b = h.do(t, h.client, http.MethodPost, "/api/submit", `{"name":"Ada Lovelace","email":"ada@example.com"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, b)
	}
	var rc submission.Receipt
	if err := json.Unmarshal(b, &rc); err != nil {
		t.Fatal(err)
	}
	if rc.TotalPrice != 10 || rc.Documents != 1 {
		t.Fatalf("receipt: %+v", rc)
	}
	_, b = h.do(t, h.client, http.MethodGet, "/api/files", "")
	if !strings.Contains(string(b), `"files":[]`) || h.previews.Len() != 0 {
		t.Fatalf("collection not cleared after submit: %s previews=%d", b, h.previews.Len())
	}

	h.channel.mu.Lock()
	h.channel.err = errors.New("relay down")
	h.channel.mu.Unlock()
	h.upload(t, h.client, "b.pdf", pdftest.Build(pdftest.TextPage()))
	if resp, _ := h.do(t, h.client, http.MethodPost, "/api/submit", `{"name":"Ada Lovelace","email":"ada@example.com"}`); resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("transport failure: %d", resp.StatusCode)
	}
	_, b = h.do(t, h.client, http.MethodGet, "/api/files", "")
	if !strings.Contains(string(b), `"files":[]`) {
		t.Fatalf("collection not cleared after failed delivery: %s", b)
	}
}

func TestSubmissionStatus(t *testing.T) {
	h := newHarness(t)
	if err := h.status.Set(context.Background(), "sub-9", store.Status{Status: store.StateNotified, TotalPrice: 12}); err != nil {
		t.Fatal(err)
	}
	resp, b := h.do(t, h.client, http.MethodGet, "/api/submissions/sub-9", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), store.StateNotified) {
		t.Fatalf("status: %d %s", resp.StatusCode, b)
	}
	if resp, _ := h.do(t, h.client, http.MethodGet, "/api/submissions/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown submission: %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)
	_, rec := h.upload(t, h.client, "a.pdf", pdftest.Build(pdftest.ImagePage()))

	u, _ := url.Parse(h.srv.URL)
	hdr := http.Header{}
	for _, c := range h.client.Jar.Cookies(u) {
		hdr.Add("Cookie", c.Name+"="+c.Value)
	}
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	read := func() map[string]interface{} {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(msg, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if m := read(); m["type"] != "initial" || m["totalCost"] != 5.0 {
		t.Fatalf("initial event: %v", m)
	}
	h.do(t, h.client, http.MethodPatch, "/api/files/"+strconv.FormatInt(rec.ID, 10), `{"field":"colorMode","value":"Colored"}`)
	if m := read(); m["type"] != "collection" || m["totalCost"] != 8.0 {
		t.Fatalf("update event: %v", m)
	}
}

func TestSessionExpiryReleasesPreviews(t *testing.T) {
	h := newHarness(t)
	h.upload(t, h.client, "a.pdf", pdftest.Build(pdftest.TextPage()))
	if h.previews.Len() != 1 || h.api.sessions.Len() != 1 {
		t.Fatalf("setup: previews=%d sessions=%d", h.previews.Len(), h.api.sessions.Len())
	}

	h.api.sessions.mu.Lock()
	h.api.sessions.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	h.api.sessions.mu.Unlock()
	if n := h.api.sessions.Sweep(); n != 1 {
		t.Fatalf("expired %d sessions", n)
	}
	if h.previews.Len() != 0 || h.api.sessions.Len() != 0 {
		t.Fatalf("after expiry: previews=%d sessions=%d", h.previews.Len(), h.api.sessions.Len())
	}
}
