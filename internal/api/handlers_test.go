package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"voice-expense/internal/auth"
	"voice-expense/internal/faults"
	"voice-expense/internal/middleware"
	"voice-expense/internal/models"
	"voice-expense/internal/store"

	"github.com/google/uuid"
)

// wavHeader 合法的 RIFF/WAVE 檔頭，通過 content sniff。
var wavHeader = []byte("RIFF\x24\x08\x00\x00WAVEfmt \x10\x00\x00\x00")

// memStore 記憶體任務存放，模擬 ownership 查核與終態標記。
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*models.TranscriptionTask
	createErr error
	fails     []string
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*models.TranscriptionTask)}
}

func (m *memStore) Create(_ context.Context, t *models.TranscriptionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	copied := *t
	m.tasks[t.ID] = &copied
	return nil
}

func (m *memStore) Get(_ context.Context, id, userID string) (*models.TranscriptionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.UserID != userID {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *memStore) Fail(_ context.Context, id string, code faults.Code, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails = append(m.fails, string(code))
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

type fakeQueue struct {
	mu        sync.Mutex
	err       error
	published []models.TaskPayload
}

func (q *fakeQueue) Publish(p models.TaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, p)
	return nil
}

type fakeAuth struct {
	member bool
	err    error
}

func (a *fakeAuth) IsActiveMember(context.Context, string, string) (bool, error) {
	return a.member, a.err
}

var _ auth.Authorizer = (*fakeAuth)(nil)

type testEnv struct {
	store *memStore
	queue *fakeQueue
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, member bool) *testEnv {
	t.Helper()
	st := newMemStore()
	q := &fakeQueue{}
	h := &Handler{
		Store:     st,
		Failer:    st,
		Queue:     q,
		Auth:      &fakeAuth{member: member},
		UploadDir: t.TempDir(),
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{store: st, queue: q, srv: srv}
}

// uploadRequest 組出 multipart 上傳請求。
func uploadRequest(t *testing.T, url, userID, groupID, duration string, audio []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("audio", "recording.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	writer.WriteField("group_id", groupID)
	writer.WriteField("duration_seconds", duration)
	writer.Close()

	req, err := http.NewRequest("POST", url+"/api/tasks", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}
	return req
}

func decodeFault(t *testing.T, resp *http.Response) (code string, retryable bool) {
	t.Helper()
	var body struct {
		Error struct {
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode fault body: %v", err)
	}
	return body.Error.Code, body.Error.Retryable
}

func TestCreateTaskSuccess(t *testing.T) {
	env := newTestEnv(t, true)
	groupID := uuid.NewString()

	req := uploadRequest(t, env.srv.URL, "user-1", groupID, "4.2", wavHeader)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var created models.CreatedTask
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.TaskID == "" || created.Status != models.StatusProcessing {
		t.Fatalf("created = %+v, want processing with id", created)
	}

	if env.store.count() != 1 {
		t.Fatalf("stored tasks = %d, want 1", env.store.count())
	}
	if len(env.queue.published) != 1 {
		t.Fatalf("published = %d, want 1", len(env.queue.published))
	}

	payload := env.queue.published[0]
	if payload.TaskID != created.TaskID || payload.GroupID != groupID || payload.UserID != "user-1" {
		t.Fatalf("payload = %+v, mismatched identifiers", payload)
	}
	if payload.FilePath == "" {
		t.Fatal("payload missing audio file path")
	}
}

func TestCreateTaskRequiresIdentity(t *testing.T) {
	env := newTestEnv(t, true)

	req := uploadRequest(t, env.srv.URL, "", uuid.NewString(), "4.2", wavHeader)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code, _ := decodeFault(t, resp); code != string(faults.Unauthorized) {
		t.Fatalf("code = %s, want UNAUTHORIZED", code)
	}
}

func TestCreateTaskRejectsNonMember(t *testing.T) {
	env := newTestEnv(t, false)

	req := uploadRequest(t, env.srv.URL, "user-1", uuid.NewString(), "4.2", wavHeader)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if env.store.count() != 0 {
		t.Fatal("task must not be created for non-members")
	}
	if len(env.queue.published) != 0 {
		t.Fatal("nothing may be enqueued for non-members")
	}
}

func TestCreateTaskRejectsShortDuration(t *testing.T) {
	env := newTestEnv(t, true)

	req := uploadRequest(t, env.srv.URL, "user-1", uuid.NewString(), "0.8", wavHeader)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	code, retryable := decodeFault(t, resp)
	if code != string(faults.RecordingTooShort) {
		t.Fatalf("code = %s, want RECORDING_TOO_SHORT", code)
	}
	if !retryable {
		t.Fatal("RECORDING_TOO_SHORT should be retryable")
	}
}

func TestCreateTaskRejectsUnknownFormat(t *testing.T) {
	env := newTestEnv(t, true)

	req := uploadRequest(t, env.srv.URL, "user-1", uuid.NewString(), "4.2", []byte("not audio at all"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code, _ := decodeFault(t, resp); code != string(faults.InvalidAudioFormat) {
		t.Fatalf("code = %s, want INVALID_AUDIO_FORMAT", code)
	}
}

func TestCreateTaskRejectsOversizedAudio(t *testing.T) {
	env := newTestEnv(t, true)

	big := append(append([]byte{}, wavHeader...), make([]byte, MaxAudioBytes)...)
	req := uploadRequest(t, env.srv.URL, "user-1", uuid.NewString(), "30", big)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	code, retryable := decodeFault(t, resp)
	if code != string(faults.FileTooLarge) {
		t.Fatalf("code = %s, want FILE_TOO_LARGE", code)
	}
	if retryable {
		t.Fatal("FILE_TOO_LARGE must not be retryable")
	}
}

func TestCreateTaskQueueFailureMarksTaskFailed(t *testing.T) {
	env := newTestEnv(t, true)
	env.queue.err = errors.New("broker down")

	req := uploadRequest(t, env.srv.URL, "user-1", uuid.NewString(), "4.2", wavHeader)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if len(env.store.fails) != 1 || env.store.fails[0] != string(faults.ServiceUnavailable) {
		t.Fatalf("fails = %v, want single SERVICE_UNAVAILABLE", env.store.fails)
	}
}

func TestGetTaskOwnership(t *testing.T) {
	env := newTestEnv(t, true)
	env.store.tasks["task-1"] = &models.TranscriptionTask{
		ID:     "task-1",
		UserID: "owner",
		Status: models.StatusProcessing,
	}

	req, _ := http.NewRequest("GET", env.srv.URL+"/api/tasks/task-1", nil)
	req.Header.Set(middleware.HeaderUserID, "intruder")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for non-owner", resp.StatusCode)
	}
}

func TestGetTaskCompletedView(t *testing.T) {
	env := newTestEnv(t, true)
	confidence := 0.87
	completedAt := time.Now().UTC()
	env.store.tasks["task-1"] = &models.TranscriptionTask{
		ID:                "task-1",
		UserID:            "owner",
		Status:            models.StatusCompleted,
		TranscriptionText: "晚餐八百元",
		ResultData:        json.RawMessage(`{"title":"晚餐","amount":800,"currency":"TWD"}`),
		Confidence:        &confidence,
		CompletedAt:       &completedAt,
	}

	req, _ := http.NewRequest("GET", env.srv.URL+"/api/tasks/task-1", nil)
	req.Header.Set(middleware.HeaderUserID, "owner")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var view models.TaskView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", view.Status)
	}
	if view.Result == nil {
		t.Fatal("completed view missing result")
	}
	if view.Error != nil {
		t.Fatal("completed view must not carry error")
	}
	if view.Result.Confidence != confidence {
		t.Fatalf("confidence = %v, want %v", view.Result.Confidence, confidence)
	}
	if view.CompletedAt == nil {
		t.Fatal("completed view missing completed_at")
	}
}

func TestGetTaskFailedView(t *testing.T) {
	env := newTestEnv(t, true)
	env.store.tasks["task-1"] = &models.TranscriptionTask{
		ID:           "task-1",
		UserID:       "owner",
		Status:       models.StatusFailed,
		ErrorCode:    string(faults.TranscriptionFail),
		ErrorMessage: "stage A failed",
	}

	req, _ := http.NewRequest("GET", env.srv.URL+"/api/tasks/task-1", nil)
	req.Header.Set(middleware.HeaderUserID, "owner")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var view models.TaskView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Error == nil || view.Error.Code != string(faults.TranscriptionFail) {
		t.Fatalf("error = %+v, want TRANSCRIPTION_FAILED", view.Error)
	}
	if view.Result != nil {
		t.Fatal("failed view must not carry result")
	}
}
