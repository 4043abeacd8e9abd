package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"voice-expense/internal/ai"
	"voice-expense/internal/faults"
	"voice-expense/internal/models"
	"voice-expense/internal/store"
)

// fakeStore 記錄終態寫入，驗證「恰好一次、互斥」的終態語義。
type fakeStore struct {
	mu          sync.Mutex
	completes   []completeCall
	fails       []failCall
	completeErr error
	failErr     error
}

type completeCall struct {
	id         string
	text       string
	result     json.RawMessage
	confidence float64
}

type failCall struct {
	id   string
	code faults.Code
	msg  string
}

func (s *fakeStore) Complete(_ context.Context, id, text string, result json.RawMessage, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completes = append(s.completes, completeCall{id, text, result, confidence})
	return nil
}

func (s *fakeStore) Fail(_ context.Context, id string, code faults.Code, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.fails = append(s.fails, failCall{id, code, msg})
	return nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, string) (string, error) {
	return f.text, f.err
}

type fakeExtractor struct {
	result models.ExtractionResult
	err    error
	called bool
}

func (f *fakeExtractor) Extract(context.Context, string) (models.ExtractionResult, error) {
	f.called = true
	return f.result, f.err
}

// fakeSink 記錄發布的事件順序。
type fakeSink struct {
	mu     sync.Mutex
	events []models.TaskEvent
}

func (s *fakeSink) Publish(_ context.Context, event models.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// tempAudio 建立假音檔，驗證每條路徑都會清除。
func tempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.webm")
	if err := os.WriteFile(path, []byte("audio"), 0644); err != nil {
		t.Fatalf("write temp audio: %v", err)
	}
	return path
}

func assertRemoved(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("audio file still present at %s", path)
	}
}

func payloadFor(path string) models.TaskPayload {
	return models.TaskPayload{
		TaskID:          "task-1",
		GroupID:         "group-1",
		UserID:          "user-1",
		FilePath:        path,
		DurationSeconds: 5,
	}
}

func TestPipelineSuccess(t *testing.T) {
	path := tempAudio(t)
	st := &fakeStore{}
	sink := &fakeSink{}
	extractor := &fakeExtractor{
		result: models.ExtractionResult{
			Draft:      models.ExpenseDraft{Title: "晚餐", Amount: 800, Currency: "TWD"},
			Confidence: 0.87,
		},
	}

	p := New(st, &fakeTranscriber{text: "昨天晚餐八百元"}, extractor, sink)
	p.Process(payloadFor(path))

	if len(st.completes) != 1 || len(st.fails) != 0 {
		t.Fatalf("writes = (%d completes, %d fails), want (1, 0)", len(st.completes), len(st.fails))
	}

	c := st.completes[0]
	if c.text == "" {
		t.Fatal("completed without transcription text")
	}
	if c.confidence < 0 || c.confidence > 1 {
		t.Fatalf("confidence = %v, want within [0, 1]", c.confidence)
	}

	var draft models.ExpenseDraft
	if err := json.Unmarshal(c.result, &draft); err != nil {
		t.Fatalf("result is not a valid draft: %v", err)
	}
	if draft.Amount != 800 {
		t.Fatalf("draft amount = %v, want 800", draft.Amount)
	}

	types := sink.types()
	if len(types) == 0 || types[len(types)-1] != "completed" {
		t.Fatalf("event types = %v, want terminal completed event last", types)
	}

	assertRemoved(t, path)
}

func TestPipelineStageAFailure(t *testing.T) {
	path := tempAudio(t)
	st := &fakeStore{}
	sink := &fakeSink{}
	extractor := &fakeExtractor{}

	p := New(st, &fakeTranscriber{err: errors.New("stt unavailable")}, extractor, sink)
	p.Process(payloadFor(path))

	if extractor.called {
		t.Fatal("stage B must never run after stage A failure")
	}
	if len(st.completes) != 0 || len(st.fails) != 1 {
		t.Fatalf("writes = (%d completes, %d fails), want (0, 1)", len(st.completes), len(st.fails))
	}
	if st.fails[0].code != faults.TranscriptionFail {
		t.Fatalf("error code = %s, want TRANSCRIPTION_FAILED", st.fails[0].code)
	}
	if st.fails[0].msg == "" {
		t.Fatal("failed without human-readable message")
	}

	types := sink.types()
	if len(types) == 0 || types[len(types)-1] != "failed" {
		t.Fatalf("event types = %v, want terminal failed event last", types)
	}

	assertRemoved(t, path)
}

// TestPipelineStageBFailure 抽取階段的錯誤歸類：
// 模型輸出解析不出草稿是 PARSING_FAILED，服務層故障是 SERVICE_UNAVAILABLE。
func TestPipelineStageBFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode faults.Code
	}{
		{
			name:     "model returned prose",
			err:      fmt.Errorf("%w: invalid character", ai.ErrInvalidOutput),
			wantCode: faults.ParsingFailed,
		},
		{
			name:     "model output missing fields",
			err:      fmt.Errorf("%w: missing expense fields", ai.ErrInvalidOutput),
			wantCode: faults.ParsingFailed,
		},
		{
			name:     "llm service outage",
			err:      errors.New("openai llm failed: upstream connect error"),
			wantCode: faults.ServiceUnavailable,
		},
		{
			name:     "stage timeout",
			err:      context.DeadlineExceeded,
			wantCode: faults.ServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tempAudio(t)
			st := &fakeStore{}
			sink := &fakeSink{}

			p := New(st,
				&fakeTranscriber{text: "some text"},
				&fakeExtractor{err: tt.err},
				sink,
			)
			p.Process(payloadFor(path))

			if len(st.completes) != 0 || len(st.fails) != 1 {
				t.Fatalf("writes = (%d completes, %d fails), want (0, 1)", len(st.completes), len(st.fails))
			}
			if st.fails[0].code != tt.wantCode {
				t.Fatalf("error code = %s, want %s", st.fails[0].code, tt.wantCode)
			}

			assertRemoved(t, path)
		})
	}
}

func TestPipelineConflictSkipsTerminalEvent(t *testing.T) {
	path := tempAudio(t)
	st := &fakeStore{failErr: store.ErrConflict}
	sink := &fakeSink{}

	p := New(st, &fakeTranscriber{err: errors.New("stt unavailable")}, &fakeExtractor{}, sink)
	p.Process(payloadFor(path))

	// 終態寫入被拒絕（任務已在終態）時不得再發布 failed 事件
	for _, typ := range sink.types() {
		if typ == "failed" {
			t.Fatal("failed event published despite rejected state transition")
		}
	}

	assertRemoved(t, path)
}
