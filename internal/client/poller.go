package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"voice-expense/internal/faults"
	"voice-expense/internal/models"
)

const (
	// DefaultPollInterval 查詢間隔。
	DefaultPollInterval = 1 * time.Second
	// DefaultMaxAttempts 放棄前的最大查詢次數。
	DefaultMaxAttempts = 60
)

// Callbacks 輪詢過程的回呼。OnCompleted 與 OnError 恰好其中一個被呼叫一次；
// poller 被提前取消時兩者都不會觸發。
type Callbacks struct {
	// OnPhase 每次非終態回應後觸發，帶進度估計（單調遞增、completed 前 < 100）與階段訊息。
	OnPhase func(progress int, message string)
	// OnCompleted 任務成功的唯一出口。
	OnCompleted func(view models.TaskView)
	// OnError 任務失敗、查詢失敗（POLLING_ERROR）與放棄（TIMEOUT）的唯一出口。
	OnError func(fault faults.Fault)
}

func (c Callbacks) fireError(fault faults.Fault) {
	if c.OnError != nil {
		c.OnError(fault)
	}
}

// Poller 重複查詢任務狀態直到終態或放棄。
//
// 輪詢以顯式迴圈 + context 實作：每次喚醒與每次回呼前都檢查 ctx，
// teardown（ctx 取消）後保證不再發出查詢、不再觸發任何回呼。
//
// TIMEOUT 是客戶端單方面的放棄，不是伺服器端的任務失敗——
// Pipeline 沒有中止路徑，底層任務之後仍可能完成，只是不再被這個 poller 觀察；
// 之後可對同一個 task id 重新呼叫 Poll（或接上 SSE 側信道）補收結果。
type Poller struct {
	BaseURL     string
	UserID      string
	HTTPClient  *http.Client
	Interval    time.Duration
	MaxAttempts int
}

// NewPoller 以預設間隔與次數上限建立 Poller。
func NewPoller(baseURL, userID string) *Poller {
	return &Poller{
		BaseURL:     baseURL,
		UserID:      userID,
		HTTPClient:  &http.Client{},
		Interval:    DefaultPollInterval,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Poll 阻塞執行完整輪詢協議（呼叫方自行決定是否放進 goroutine）：
// 啟動後立即查詢一次（無初始延遲），之後以固定間隔重查。
// 「重試」就是對同一個 task id 再次呼叫 Poll，不會建立新任務。
func (p *Poller) Poll(ctx context.Context, taskID string, cb Callbacks) {
	attempts := 0

	for {
		view, fault := p.query(ctx, taskID)

		// teardown 之後不再觸發任何回呼
		if ctx.Err() != nil {
			return
		}

		if fault != nil {
			cb.fireError(*fault)
			return
		}

		switch view.Status {
		case models.StatusCompleted:
			if cb.OnCompleted != nil {
				cb.OnCompleted(*view)
			}
			return
		case models.StatusFailed:
			cb.fireError(taskFault(view))
			return
		}

		attempts++
		if cb.OnPhase != nil {
			cb.OnPhase(progressEstimate(attempts, p.MaxAttempts), phaseMessage(attempts))
		}

		if attempts >= p.MaxAttempts {
			cb.fireError(faults.New(faults.Timeout, ""))
			return
		}

		timer := time.NewTimer(p.Interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// query 發出單次狀態查詢。傳輸層失敗不做靜默重試，
// 直接歸類為 POLLING_ERROR 交由呼叫方決定是否重啟整個輪詢。
func (p *Poller) query(ctx context.Context, taskID string) (*models.TaskView, *faults.Fault) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.BaseURL+"/api/tasks/"+taskID, nil)
	if err != nil {
		f := faults.New(faults.PollingError, "")
		return nil, &f
	}
	if p.UserID != "" {
		req.AddCookie(&http.Cookie{Name: "userId", Value: p.UserID})
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		f := faults.New(faults.PollingError, "")
		return nil, &f
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f := faults.FromPollStatus(resp.StatusCode)
		return nil, &f
	}

	var view models.TaskView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		f := faults.New(faults.PollingError, "")
		return nil, &f
	}
	return &view, nil
}

// taskFault 將 failed 任務的錯誤欄位還原為 Fault（分類碼來自共用 taxonomy）。
func taskFault(view *models.TaskView) faults.Fault {
	if view.Error == nil {
		return faults.New(faults.PollingError, "task failed without error detail")
	}
	return faults.Fault{
		Code:    faults.Code(view.Error.Code),
		Message: view.Error.Message,
	}
}

// progressEstimate 由查詢次數換算進度估計。
// 單調遞增且上限 95：實際完成之前絕不顯示 100%。
func progressEstimate(attempts, maxAttempts int) int {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	est := 5 + attempts*90/maxAttempts
	if est > 95 {
		est = 95
	}
	return est
}

// phaseMessage 依查詢次數門檻選擇階段訊息（早/中/晚期）。
func phaseMessage(attempts int) string {
	switch {
	case attempts <= 10:
		return "語音辨識中..."
	case attempts <= 30:
		return "整理消費資訊中..."
	default:
		return "快完成了，再稍等一下..."
	}
}
