package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"voice-expense/internal/middleware"
	"voice-expense/internal/models"
	"voice-expense/internal/store"
)

// TaskReader ownership 查核與重播快照所需的讀取操作。
type TaskReader interface {
	Get(ctx context.Context, id, userID string) (*models.TranscriptionTask, error)
}

// Subscription 單一任務的事件流。
type Subscription interface {
	Events() <-chan string
	Close() error
}

// Broker 事件流的訂閱入口（Redis 實作見 internal/events）。
type Broker interface {
	Subscribe(ctx context.Context, taskID string) (Subscription, error)
}

// BrokerFunc 讓單一訂閱函式充當 Broker。
type BrokerFunc func(ctx context.Context, taskID string) (Subscription, error)

// Subscribe 呼叫 f(ctx, taskID)。
func (f BrokerFunc) Subscribe(ctx context.Context, taskID string) (Subscription, error) {
	return f(ctx, taskID)
}

// Handler 任務事件側信道，處理 GET /api/tasks/{id}/events。
//
// 輪詢超時後放棄的客戶端可重新接上此端點補收終態事件——
// Pipeline 不因客戶端放棄而停止，結果照常寫入並照常發布。
//
// 連線流程（防止 race condition）：
//  1. 讀取任務記錄做 ownership 查核
//  2. 訂閱事件頻道
//  3. 訂閱建立後「重新」讀取任務記錄並重播該快照：
//     訂閱前發布的事件（Pub/Sub 是 fire-and-forget，錯過即消失）
//     必然已反映在資料列上，由這次讀取補上；已在終態則重播後直接結束
//  4. 持續將後續事件轉發至 SSE 回應流
type Handler struct {
	Broker Broker
	Store  TaskReader
}

// NewHandler 建立 SSE Handler 實例。
func NewHandler(broker Broker, s TaskReader) *Handler {
	return &Handler{Broker: broker, Store: s}
}

// ServeHTTP 處理單一 SSE 連線。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}

	userID := r.Header.Get(middleware.HeaderUserID)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Step 1: ownership 查核
	if _, err := h.Store.Get(r.Context(), taskID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		log.Printf("SSE: failed to load task %s: %v", taskID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Step 2: 先訂閱再讀快照；順序顛倒會讓兩步之間發布的終態事件永遠錯過
	sub, err := h.Broker.Subscribe(ctx, taskID)
	if err != nil {
		log.Printf("SSE: failed to subscribe for task %s: %v", taskID, err)
		http.Error(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 關閉 nginx 緩衝

	// Step 3: 重新讀取並重播。訂閱建立前發布的事件已反映在資料列上，
	// 這次讀取覆蓋了那個窗口；終態記錄不會再有後續事件，重播後直接結束
	task, err := h.Store.Get(ctx, taskID, userID)
	if err != nil {
		log.Printf("SSE: failed to reload task %s: %v", taskID, err)
		return
	}
	writeEvent(w, snapshotEvent(task))
	flusher.Flush()
	if task.Status.Terminal() {
		return
	}

	// Step 4: 持續轉發事件至 SSE
	for {
		select {
		case payload, ok := <-sub.Events():
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

			// 終態事件後不再有內容，主動收尾
			var event models.TaskEvent
			if err := json.Unmarshal([]byte(payload), &event); err == nil && event.Status.Terminal() {
				return
			}

		case <-ctx.Done():
			log.Printf("SSE: client disconnected for task %s", taskID)
			return
		}
	}
}

// snapshotEvent 將任務記錄投影為單一重播事件。
func snapshotEvent(task *models.TranscriptionTask) models.TaskEvent {
	event := models.TaskEvent{
		TaskID: task.ID,
		Status: task.Status,
	}
	switch task.Status {
	case models.StatusProcessing:
		event.Type = "progress"
	default:
		event.Type = string(task.Status)
		event.ErrorCode = task.ErrorCode
	}
	return event
}

// writeEvent 以 SSE data frame 格式寫出單一事件。
func writeEvent(w http.ResponseWriter, event models.TaskEvent) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
