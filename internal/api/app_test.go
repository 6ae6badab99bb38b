package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ramble/internal/events"
	"github.com/kalambet/ramble/internal/library"
	"github.com/kalambet/ramble/internal/storage"
)

const testToken = "test-token-12345"

// --- fakes ---

type fakePipeline struct {
	store *storage.Store

	mu         sync.Mutex
	enqueued   []string
	removed    []string
	retried    []string
	resumed    int
	processing bool
}

func (p *fakePipeline) Enqueue(_ context.Context, id string) (storage.TranscriptionJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, id)
	return p.store.SaveJob(storage.TranscriptionJob{ID: "job-" + id, RecordingID: id, CreatedAt: time.Now().UTC()})
}

func (p *fakePipeline) RemoveJobFor(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, id)
	return nil
}

func (p *fakePipeline) RetryTranscription(_ context.Context, id string) error {
	if _, err := p.store.GetRecording(id); err != nil {
		return fmt.Errorf("resetting recording %s: %w", id, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retried = append(p.retried, id)
	return nil
}

func (p *fakePipeline) Resume(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed++
}

func (p *fakePipeline) Jobs() ([]storage.TranscriptionJob, error) {
	return p.store.ListJobs()
}

func (p *fakePipeline) IsProcessing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

func (p *fakePipeline) HasActiveWork() bool {
	return p.IsProcessing()
}

type fakeWebhooks struct {
	store  *storage.Store
	active int
}

func (f *fakeWebhooks) RetryWebhook(_ context.Context, id string) error {
	_, err := f.store.UpdateRecording(id, func(r *storage.Recording) error {
		r.WebhookRetryCount = 0
		r.NextWebhookRetryAt = nil
		r.WebhookAttempts = append(r.WebhookAttempts, storage.WebhookAttempt{
			URL: "https://hook.test", Timestamp: time.Now().UTC(), Success: true,
		})
		return nil
	})
	return err
}

func (f *fakeWebhooks) ActiveCount() int { return f.active }

// --- helpers ---

type testApp struct {
	handler  http.Handler
	store    *storage.Store
	pipeline *fakePipeline
	bus      *events.Bus
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(0)
	pipeline := &fakePipeline{store: store}
	lib, err := library.New(store, pipeline, t.TempDir(), bus)
	if err != nil {
		t.Fatalf("library.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler := NewAppHandler(Deps{
		Store:             store,
		Library:           lib,
		Pipeline:          pipeline,
		Webhooks:          &fakeWebhooks{store: store, active: 2},
		Events:            bus,
		Token:             testToken,
		BaseContext:       ctx,
		MaxWebhookRetries: 15,
	})
	return &testApp{handler: handler, store: store, pipeline: pipeline, bus: bus}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func (a *testApp) addRecording(t *testing.T, id string, status storage.TranscriptionStatus) {
	t.Helper()
	if err := a.store.SaveRecording(storage.Recording{
		ID:                  id,
		CreatedAt:           time.Now().UTC(),
		Duration:            60,
		AudioPath:           "/audio/" + id + ".m4a",
		TranscriptionStatus: status,
	}); err != nil {
		t.Fatalf("SaveRecording: %v", err)
	}
}

func writeAudio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	a := setupApp(t)
	rr := a.do(authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth_Required(t *testing.T) {
	a := setupApp(t)
	for _, token := range []string{"", "wrong-token"} {
		rr := a.do(authReq(http.MethodGet, "/recordings", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestImport_Path(t *testing.T) {
	a := setupApp(t)
	path := writeAudio(t, "memo.m4a")

	body := fmt.Sprintf(`{"path":%q,"duration":12.5}`, path)
	rr := a.do(authReq(http.MethodPost, "/recordings", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var rec storage.Recording
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if rec.Duration != 12.5 || rec.TranscriptionStatus != storage.StatusPending {
		t.Errorf("rec = %+v", rec)
	}
	if len(a.pipeline.enqueued) != 1 || a.pipeline.enqueued[0] != rec.ID {
		t.Errorf("enqueued = %v", a.pipeline.enqueued)
	}
}

func TestImport_Invalid(t *testing.T) {
	a := setupApp(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"missing path", `{"duration":1}`},
		{"relative path", `{"path":"memo.m4a","duration":1}`},
		{"negative duration", fmt.Sprintf(`{"path":%q,"duration":-1}`, writeAudio(t, "a.m4a"))},
		{"missing file", `{"path":"/no/such/memo.m4a","duration":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(authReq(http.MethodPost, "/recordings", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
	if len(a.pipeline.enqueued) != 0 {
		t.Errorf("enqueued = %v", a.pipeline.enqueued)
	}
}

func TestImport_Upload(t *testing.T) {
	a := setupApp(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("duration", "4")
	fw, err := mw.CreateFormFile("file", "note.WAV")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("RIFF...."))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/recordings", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := a.do(req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var rec storage.Recording
	json.Unmarshal(rr.Body.Bytes(), &rec)
	if filepath.Ext(rec.AudioPath) != ".wav" {
		t.Errorf("AudioPath = %q", rec.AudioPath)
	}
	data, err := os.ReadFile(rec.AudioPath)
	if err != nil || string(data) != "RIFF...." {
		t.Errorf("stored audio = %q, %v", data, err)
	}
}

func TestListRecordings_FilterAndLimit(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusCompleted)
	a.addRecording(t, "r2", storage.StatusFailed)
	a.addRecording(t, "r3", storage.StatusCompleted)

	rr := a.do(authReq(http.MethodGet, "/recordings?status=completed", "", testToken))
	var recs []storage.Recording
	json.Unmarshal(rr.Body.Bytes(), &recs)
	if len(recs) != 2 {
		t.Fatalf("got %d completed recordings, want 2", len(recs))
	}

	rr = a.do(authReq(http.MethodGet, "/recordings?limit=1", "", testToken))
	recs = nil
	json.Unmarshal(rr.Body.Bytes(), &recs)
	if len(recs) != 1 {
		t.Errorf("limit=1 returned %d", len(recs))
	}

	rr = a.do(authReq(http.MethodGet, "/recordings?offset=10", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("offset past end = %s", rr.Body.String())
	}
}

func TestGetRecording(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusPending)

	rr := a.do(authReq(http.MethodGet, "/recordings/r1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	rr = a.do(authReq(http.MethodGet, "/recordings/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestDeleteRecording(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusCompleted)

	rr := a.do(authReq(http.MethodDelete, "/recordings/r1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if len(a.pipeline.removed) != 1 {
		t.Errorf("removed = %v", a.pipeline.removed)
	}
	rr = a.do(authReq(http.MethodDelete, "/recordings/r1", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rr.Code)
	}
}

func TestDeleteAll(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusCompleted)
	a.addRecording(t, "r2", storage.StatusFailed)

	rr := a.do(authReq(http.MethodDelete, "/recordings", "", testToken))
	var resp map[string]int
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["deleted"] != 2 {
		t.Errorf("resp = %v", resp)
	}
}

func TestRetryTranscription(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusFailed)

	rr := a.do(authReq(http.MethodPost, "/recordings/r1/retry-transcription", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if len(a.pipeline.retried) != 1 || a.pipeline.retried[0] != "r1" {
		t.Errorf("retried = %v", a.pipeline.retried)
	}

	rr = a.do(authReq(http.MethodPost, "/recordings/missing/retry-transcription", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestRetryWebhook(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusCompleted)

	rr := a.do(authReq(http.MethodPost, "/recordings/r1/retry-webhook", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var rec storage.Recording
	json.Unmarshal(rr.Body.Bytes(), &rec)
	if len(rec.WebhookAttempts) != 1 || !rec.WebhookAttempts[0].Success {
		t.Errorf("attempts = %+v", rec.WebhookAttempts)
	}

	rr = a.do(authReq(http.MethodPost, "/recordings/missing/retry-webhook", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestQueueAndResume(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusPending)
	a.pipeline.Enqueue(context.Background(), "r1")
	a.pipeline.processing = true

	rr := a.do(authReq(http.MethodGet, "/queue", "", testToken))
	var qs QueueStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &qs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !qs.Processing || !qs.ActiveWork || qs.ActiveWebhookRetries != 2 || len(qs.Jobs) != 1 {
		t.Errorf("queue = %+v", qs)
	}

	rr = a.do(authReq(http.MethodPost, "/queue/resume", "", testToken))
	if rr.Code != http.StatusAccepted || a.pipeline.resumed != 1 {
		t.Errorf("status = %d, resumed = %d", rr.Code, a.pipeline.resumed)
	}
}

func TestStats(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusCompleted)
	a.addRecording(t, "r2", storage.StatusFailed)

	rr := a.do(authReq(http.MethodGet, "/stats", "", testToken))
	var st library.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if st.Recordings != 2 || st.TotalDuration != 120 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExport(t *testing.T) {
	a := setupApp(t)
	a.addRecording(t, "r1", storage.StatusCompleted)

	rr := a.do(authReq(http.MethodGet, "/recordings/export", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "ramble-export.json") {
		t.Errorf("Content-Disposition = %q", rr.Header().Get("Content-Disposition"))
	}
	var recs []storage.Recording
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil || len(recs) != 1 {
		t.Errorf("export = %s, %v", rr.Body.String(), err)
	}
}
