package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voice-expense/internal/auth"
	"voice-expense/internal/faults"
	"voice-expense/internal/middleware"
	"voice-expense/internal/models"
	"voice-expense/internal/store"

	"github.com/google/uuid"
)

const (
	// MaxAudioBytes 單一錄音檔上限（25 MiB，對齊 STT 服務的請求限制）。
	MaxAudioBytes = 25 << 20

	// MinDurationSeconds 錄音最短長度，低於此值直接拒絕不建立任務。
	MinDurationSeconds = 1.0

	// multipart 表單欄位的額外額度
	formOverhead = 1 << 20
)

// TaskStore 建立與讀取任務記錄所需的持久層操作。
type TaskStore interface {
	Create(ctx context.Context, t *models.TranscriptionTask) error
	Get(ctx context.Context, id, userID string) (*models.TranscriptionTask, error)
}

// Dispatcher 將已建立的任務送交背景處理。
type Dispatcher interface {
	Publish(payload models.TaskPayload) error
}

// TaskFailer 任務入列失敗時用於立即標記終態，避免殭屍 processing 記錄。
type TaskFailer interface {
	Fail(ctx context.Context, id string, code faults.Code, msg string) error
}

// Handler 任務 API：建立（上傳）與狀態查詢。
//
// 建立請求在寫入 processing 記錄並發布佇列訊息後立即返回（202），
// Pipeline 在 Worker 進程中獨立執行；兩者唯一的同步點是任務記錄本身。
type Handler struct {
	Store     TaskStore
	Failer    TaskFailer
	Queue     Dispatcher
	Auth      auth.Authorizer
	UploadDir string
}

// Register 掛載路由（Go 1.22 method pattern，同 gateway 風格）。
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.handleCreate)
	mux.HandleFunc("GET /api/tasks/{id}", h.handleGet)
}

// handleCreate 處理錄音上傳並建立任務。
//
// 驗證順序：身份 → 請求大小 → 表單欄位 → 音訊格式 → 群組成員資格。
// 全部通過後：寫入 processing 記錄 → 落地音檔 → 發布佇列訊息 → 202。
// 佇列發布失敗時任務立即標記 failed（SERVICE_UNAVAILABLE），不留下殭屍記錄。
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(middleware.HeaderUserID)
	if userID == "" {
		writeFault(w, faults.New(faults.Unauthorized, ""))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxAudioBytes+formOverhead)
	if err := r.ParseMultipartForm(MaxAudioBytes + formOverhead); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeFault(w, faults.New(faults.FileTooLarge, ""))
			return
		}
		writeFault(w, faults.New(faults.InvalidRequest, "malformed multipart form"))
		return
	}

	groupID := r.FormValue("group_id")
	if _, err := uuid.Parse(groupID); err != nil {
		writeFault(w, faults.New(faults.InvalidRequest, "missing or invalid group_id"))
		return
	}

	duration, err := strconv.ParseFloat(r.FormValue("duration_seconds"), 64)
	if err != nil {
		writeFault(w, faults.New(faults.InvalidRequest, "missing or invalid duration_seconds"))
		return
	}
	if duration < MinDurationSeconds {
		writeFault(w, faults.New(faults.RecordingTooShort, ""))
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeFault(w, faults.New(faults.InvalidRequest, "missing audio file"))
		return
	}
	defer file.Close()

	if header.Size > MaxAudioBytes {
		writeFault(w, faults.New(faults.FileTooLarge, ""))
		return
	}

	// 以檔頭 sniff 實際格式，不信任 Content-Type header
	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	head = head[:n]
	if !isSupportedAudio(http.DetectContentType(head)) {
		writeFault(w, faults.New(faults.InvalidAudioFormat, ""))
		return
	}

	// 成員資格在此查核一次，Pipeline 各階段沿用不重複驗證
	ok, err := h.Auth.IsActiveMember(r.Context(), groupID, userID)
	if err != nil {
		log.Printf("Membership check failed: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeFault(w, faults.New(faults.Forbidden, ""))
		return
	}

	task := &models.TranscriptionTask{
		ID:        uuid.New().String(),
		GroupID:   groupID,
		UserID:    userID,
		Status:    models.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}

	filePath, err := h.saveAudio(task.ID, header.Filename, head, file)
	if err != nil {
		log.Printf("Failed to save audio for task %s: %v", task.ID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if err := h.Store.Create(r.Context(), task); err != nil {
		log.Printf("Failed to create task %s: %v", task.ID, err)
		os.Remove(filePath)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	payload := models.TaskPayload{
		TaskID:          task.ID,
		GroupID:         groupID,
		UserID:          userID,
		FilePath:        filePath,
		DurationSeconds: duration,
	}
	if err := h.Queue.Publish(payload); err != nil {
		// 訊息沒能入列，任務永遠不會被處理：立即標記終態，客戶端不應開始輪詢
		log.Printf("Failed to enqueue task %s: %v", task.ID, err)
		fault := faults.New(faults.ServiceUnavailable, "")
		if ferr := h.Failer.Fail(r.Context(), task.ID, fault.Code, fault.Message); ferr != nil {
			log.Printf("Failed to mark task %s failed: %v", task.ID, ferr)
		}
		os.Remove(filePath)
		writeFault(w, fault)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(models.CreatedTask{
		TaskID:    task.ID,
		Status:    task.Status,
		CreatedAt: task.CreatedAt,
	})
}

// handleGet 處理任務狀態查詢。
// 不存在與非本人的任務一律 404，終態記錄的內容不會在後續讀取中改變。
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(middleware.HeaderUserID)
	if userID == "" {
		writeFault(w, faults.New(faults.Unauthorized, ""))
		return
	}

	task, err := h.Store.Get(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Failed to load task %s: %v", r.PathValue("id"), err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task.View())
}

// saveAudio 將上傳內容落地至 UploadDir（head 為 sniff 時已讀出的前段位元組）。
func (h *Handler) saveAudio(taskID, filename string, head []byte, rest io.Reader) (string, error) {
	if err := os.MkdirAll(h.UploadDir, 0755); err != nil {
		return "", err
	}

	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".webm"
	}
	path := filepath.Join(h.UploadDir, taskID+ext)

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, io.MultiReader(bytes.NewReader(head), rest)); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// isSupportedAudio 判斷 sniff 出的 MIME type 是否為支援的錄音格式。
// 瀏覽器 MediaRecorder 產出的 webm/ogg 會被 sniff 為 video/webm 與 application/ogg。
func isSupportedAudio(contentType string) bool {
	switch {
	case strings.HasPrefix(contentType, "audio/"):
		return true
	case contentType == "video/webm", contentType == "application/ogg":
		return true
	default:
		return false
	}
}

// writeFault 以統一格式回應分類後的錯誤。
func writeFault(w http.ResponseWriter, f faults.Fault) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(faults.HTTPStatus(f.Code))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":      f.Code,
			"message":   f.Message,
			"retryable": f.Retryable(),
		},
	})
}
