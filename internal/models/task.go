package models

import (
	"encoding/json"
	"time"
)

// TaskStatus 任務狀態。狀態轉換是單向的：
// processing → completed 或 processing → failed，終態後不再變動。
type TaskStatus string

const (
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Terminal 回報狀態是否為終態（completed / failed）。
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TranscriptionTask 對應 DB transcription_tasks 表結構。
// 結果欄位（TranscriptionText / ResultData / Confidence）與
// 錯誤欄位（ErrorCode / ErrorMessage）互斥：終態時恰好一組被填入。
type TranscriptionTask struct {
	ID                string          `json:"id"`
	GroupID           string          `json:"group_id"`
	UserID            string          `json:"user_id"`
	Status            TaskStatus      `json:"status"`
	TranscriptionText string          `json:"transcription_text,omitempty"`
	ResultData        json.RawMessage `json:"result_data,omitempty"`
	Confidence        *float64        `json:"confidence,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// ExpenseDraft 結構化抽取階段產出的消費草稿，由前端帶入分帳表單。
type ExpenseDraft struct {
	Title        string   `json:"title"`
	Amount       float64  `json:"amount"`
	Currency     string   `json:"currency"`
	Category     string   `json:"category,omitempty"`
	Date         string   `json:"date,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// ExtractionResult 抽取階段的完整產出：草稿加上 0.0~1.0 的信心分數。
type ExtractionResult struct {
	Draft      ExpenseDraft `json:"draft"`
	Confidence float64      `json:"confidence"`
}

// TaskPayload 佇列中的任務訊息格式。
// 上傳成功後由 API 發布，Worker 消費後執行 Pipeline。
type TaskPayload struct {
	TaskID          string  `json:"taskId"`
	GroupID         string  `json:"groupId"`
	UserID          string  `json:"userId"`
	FilePath        string  `json:"filePath"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// TaskEvent 透過 Redis Pub/Sub 發布的統一事件格式，SSE 端點接收後轉發至前端。
// Type 可為 "progress", "completed", "failed"。
type TaskEvent struct {
	TaskID    string     `json:"taskId"`
	Type      string     `json:"type"`
	Status    TaskStatus `json:"status,omitempty"`
	Progress  int        `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	ErrorCode string     `json:"errorCode,omitempty"`
}

// CreatedTask 任務建立（上傳）成功的回應格式。
type CreatedTask struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskResult 狀態查詢回應中的結果物件，僅 completed 任務帶有。
type TaskResult struct {
	Transcription string          `json:"transcription"`
	ExpenseData   json.RawMessage `json:"expense_data"`
	Confidence    float64         `json:"confidence"`
}

// TaskError 狀態查詢回應中的錯誤物件，僅 failed 任務帶有。
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskView 狀態查詢回應格式，由 TranscriptionTask 投影而來。
type TaskView struct {
	TaskID      string      `json:"task_id"`
	Status      TaskStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       *TaskError  `json:"error,omitempty"`
}

// View 將 DB 記錄投影為對外的查詢回應。
// 互斥保證來自 store 層的原子更新，這裡只做形狀轉換。
func (t *TranscriptionTask) View() TaskView {
	v := TaskView{
		TaskID:      t.ID,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	switch t.Status {
	case StatusCompleted:
		confidence := 0.0
		if t.Confidence != nil {
			confidence = *t.Confidence
		}
		v.Result = &TaskResult{
			Transcription: t.TranscriptionText,
			ExpenseData:   t.ResultData,
			Confidence:    confidence,
		}
	case StatusFailed:
		v.Error = &TaskError{
			Code:    t.ErrorCode,
			Message: t.ErrorMessage,
		}
	}
	return v
}
