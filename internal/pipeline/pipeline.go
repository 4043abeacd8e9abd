package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"voice-expense/internal/ai"
	"voice-expense/internal/faults"
	"voice-expense/internal/models"
	"voice-expense/internal/store"
)

// 每個階段的外部呼叫上限，超過視為該階段失敗。
const stageTimeout = 5 * time.Minute

// TaskStore Pipeline 需要的持久層操作。
// Pipeline 是任務建立後唯一的狀態寫入者，其餘元件皆為讀取者。
type TaskStore interface {
	Complete(ctx context.Context, id, text string, result json.RawMessage, confidence float64) error
	Fail(ctx context.Context, id string, code faults.Code, msg string) error
}

// EventSink 進度與終態事件的發布出口。
type EventSink interface {
	Publish(ctx context.Context, event models.TaskEvent) error
}

// Pipeline 任務處理器：Stage A（語音轉錄）→ Stage B（結構化抽取）→ 原子終態更新。
// 每個任務只被執行一次，Pipeline 本身不重試；
// 客戶端的「重試」是建立全新任務，不會重新提交同一個 task id。
type Pipeline struct {
	Store       TaskStore
	Transcriber ai.Transcriber
	Extractor   ai.Extractor
	Events      EventSink
}

// New 建立 Pipeline 實例，注入所有外部依賴。
func New(s TaskStore, t ai.Transcriber, e ai.Extractor, events EventSink) *Pipeline {
	return &Pipeline{Store: s, Transcriber: t, Extractor: e, Events: events}
}

// Process 將任務從 processing 推進至終態。
//
// 失敗語義：每個終態轉換都是單一原子更新（狀態與 payload 一起寫入），
// 讀取者不可能觀察到 completed 而無結果、或 failed 而無錯誤。
// Pipeline 一旦開始就不可取消——客戶端停止輪詢只代表不再觀察，
// 伺服器端的工作照常完成並照常發布事件。
// 不論成功失敗，音檔在離開此函式前一定被清除。
func (p *Pipeline) Process(payload models.TaskPayload) {
	ctx := context.Background()
	log.Printf("Processing task %s", payload.TaskID)

	defer p.cleanup(payload.FilePath)

	p.notifyProgress(payload.TaskID, 10, "語音辨識中...")

	// Stage A：語音轉錄。失敗時 Stage B 永不執行。
	text, err := p.transcribe(ctx, payload.FilePath)
	if err != nil {
		p.fail(ctx, payload.TaskID, faults.TranscriptionFail, err)
		return
	}

	p.notifyProgress(payload.TaskID, 60, "整理消費資訊中...")

	// Stage B：結構化抽取，只消費 Stage A 的轉錄文字。
	result, err := p.extract(ctx, text)
	if err != nil {
		p.fail(ctx, payload.TaskID, extractionFaultCode(err), err)
		return
	}

	draftJSON, err := json.Marshal(result.Draft)
	if err != nil {
		p.fail(ctx, payload.TaskID, faults.ParsingFailed, err)
		return
	}

	if err := p.Store.Complete(ctx, payload.TaskID, text, draftJSON, result.Confidence); err != nil {
		// ErrConflict 代表任務已在終態（理論上不應發生：寫入者只有一個），放棄後續操作
		log.Printf("Failed to complete task %s: %v", payload.TaskID, err)
		return
	}

	p.notifyTerminal(payload.TaskID, models.StatusCompleted, "")
	log.Printf("Task %s completed", payload.TaskID)
}

// transcribe 執行 Stage A，帶階段層級的 timeout。
func (p *Pipeline) transcribe(ctx context.Context, filePath string) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()
	return p.Transcriber.Transcribe(stageCtx, filePath)
}

// extract 執行 Stage B，帶階段層級的 timeout。
func (p *Pipeline) extract(ctx context.Context, text string) (models.ExtractionResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()
	return p.Extractor.Extract(stageCtx, text)
}

// extractionFaultCode 歸類 Stage B 錯誤：模型輸出不合法（解析不出草稿）
// 是 PARSING_FAILED；timeout、HTTP 失敗等服務層錯誤是 SERVICE_UNAVAILABLE。
func extractionFaultCode(err error) faults.Code {
	if errors.Is(err, ai.ErrInvalidOutput) {
		return faults.ParsingFailed
	}
	return faults.ServiceUnavailable
}

// fail 統一錯誤處理：原子寫入終態、發布 failed 事件。
// 狀態衝突時放棄寫入，不覆蓋既有終態。
func (p *Pipeline) fail(ctx context.Context, taskID string, code faults.Code, cause error) {
	log.Printf("Task %s failed (%s): %v", taskID, code, cause)

	fault := faults.New(code, "")
	if err := p.Store.Fail(ctx, taskID, fault.Code, fault.Message); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Printf("Task %s already terminal, skipping failure write", taskID)
			return
		}
		log.Printf("Failed to record failure for task %s: %v", taskID, err)
		return
	}

	p.notifyTerminal(taskID, models.StatusFailed, string(fault.Code))
}

// notifyProgress 發布進度更新事件至 Redis Pub/Sub。
func (p *Pipeline) notifyProgress(taskID string, progress int, msg string) {
	event := models.TaskEvent{
		TaskID:   taskID,
		Type:     "progress",
		Status:   models.StatusProcessing,
		Progress: progress,
		Message:  msg,
	}
	if err := p.Events.Publish(context.Background(), event); err != nil {
		log.Printf("Failed to publish progress for task %s: %v", taskID, err)
	}
}

// notifyTerminal 發布終態事件（completed / failed）。
func (p *Pipeline) notifyTerminal(taskID string, status models.TaskStatus, errorCode string) {
	event := models.TaskEvent{
		TaskID:    taskID,
		Type:      string(status),
		Status:    status,
		ErrorCode: errorCode,
	}
	if err := p.Events.Publish(context.Background(), event); err != nil {
		log.Printf("Failed to publish terminal event for task %s: %v", taskID, err)
	}
}

// cleanup 刪除已處理完成的音檔，釋放磁碟空間。
func (p *Pipeline) cleanup(filePath string) {
	if filePath == "" {
		return
	}
	if _, err := os.Stat(filePath); err == nil {
		os.Remove(filePath)
	}
}
