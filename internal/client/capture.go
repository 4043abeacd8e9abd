package client

import (
	"bytes"
	"errors"
	"time"

	"voice-expense/internal/faults"
)

// CaptureState 錄音 session 的狀態。
// idle → recording → stopped 為正常路徑，error 為側邊狀態（從 idle 或 recording 進入）。
type CaptureState string

const (
	StateIdle      CaptureState = "idle"
	StateRecording CaptureState = "recording"
	StateStopped   CaptureState = "stopped"
	StateError     CaptureState = "error"
)

const (
	// MinRecordingSeconds 低於此長度不允許 Stop（錄音繼續）。
	MinRecordingSeconds = 0.5
	// MaxRecordingSeconds 達到此長度自動停止並產出 buffer。
	MaxRecordingSeconds = 60.0
)

// ErrAlreadyRecording 在非 idle 狀態呼叫 Start。
var ErrAlreadyRecording = errors.New("capture already started")

// ErrTooShort Stop 在未達最短錄音長度時被拒絕，session 維持 recording。
var ErrTooShort = errors.New("recording below minimum duration")

// Device 錄音裝置的抽象。Read 回傳一個 tick（1 秒解析度）的音訊資料。
type Device interface {
	Acquire() error
	Read() ([]byte, error)
	Release()
}

// CaptureSession 管理錄音裝置的生命週期與計時。
//
// 事件驅動的裝置 API 被改寫為同步轉移的有限狀態機：每個方法檢查當前狀態、
// 執行效果（取得/釋放裝置）、回傳下一步結果，沒有 callback 順序的不確定性。
//
// 資源安全不變量：離開 recording 的每一條路徑（Stop、自動停止、Cancel、
// 裝置錯誤）都恰好釋放裝置一次，麥克風絕不留在開啟狀態。
type CaptureSession struct {
	device   Device
	state    CaptureState
	buf      bytes.Buffer
	started  time.Time
	acquired bool
	fault    *faults.Fault

	// 可注入的時鐘，測試時免除真實等待
	now func() time.Time
}

// NewCaptureSession 建立 idle 狀態的 session。
func NewCaptureSession(device Device) *CaptureSession {
	return &CaptureSession{
		device: device,
		state:  StateIdle,
		now:    time.Now,
	}
}

// Start 取得麥克風並進入 recording。
// 裝置取得失敗（權限、找不到裝置、不支援）進入 error 狀態並分類為 MICROPHONE_ERROR。
func (s *CaptureSession) Start() error {
	if s.state != StateIdle {
		return ErrAlreadyRecording
	}

	if err := s.device.Acquire(); err != nil {
		f := faults.New(faults.MicrophoneError, "")
		s.fault = &f
		s.state = StateError
		return f
	}

	s.acquired = true
	s.buf.Reset()
	s.started = s.now()
	s.state = StateRecording
	return nil
}

// Tick 讀取一個 tick 的音訊資料累積進 buffer。
// 達到最長錄音長度時自動停止，回傳完成的 buffer（done = true）。
// 裝置層級的讀取失敗進入 error 狀態（RECORDING_ERROR）並釋放裝置。
func (s *CaptureSession) Tick() (buffer []byte, done bool, err error) {
	if s.state != StateRecording {
		return nil, false, nil
	}

	data, readErr := s.device.Read()
	if readErr != nil {
		s.release()
		f := faults.New(faults.RecordingError, "")
		s.fault = &f
		s.state = StateError
		s.buf.Reset()
		return nil, false, f
	}
	s.buf.Write(data)

	if s.Duration() >= MaxRecordingSeconds {
		s.release()
		s.state = StateStopped
		return s.buf.Bytes(), true, nil
	}
	return nil, false, nil
}

// Stop 結束錄音並回傳完成的 buffer。
// 未達最短錄音長度時拒絕（ErrTooShort），session 維持 recording。
// 非 recording 狀態下為 no-op：回傳 nil buffer 與 nil error。
func (s *CaptureSession) Stop() ([]byte, error) {
	if s.state != StateRecording {
		return nil, nil
	}
	if s.Duration() < MinRecordingSeconds {
		return nil, ErrTooShort
	}

	s.release()
	s.state = StateStopped
	return s.buf.Bytes(), nil
}

// Cancel 放棄錄音：丟棄已累積的資料、同步釋放裝置、回到 idle。
// 返回前保證裝置已釋放。
func (s *CaptureSession) Cancel() {
	if s.state == StateRecording {
		s.release()
	}
	s.buf.Reset()
	s.fault = nil
	s.state = StateIdle
}

// Duration 回報已錄音秒數（1 秒解析度的計時由呼叫方的 Tick 節奏決定）。
func (s *CaptureSession) Duration() float64 {
	if s.started.IsZero() {
		return 0
	}
	return s.now().Sub(s.started).Seconds()
}

// State 回報當前狀態。
func (s *CaptureSession) State() CaptureState {
	return s.state
}

// Fault 回報進入 error 狀態的分類原因，無錯誤時為 nil。
func (s *CaptureSession) Fault() *faults.Fault {
	return s.fault
}

// release 釋放裝置，acquired 旗標保證恰好釋放一次。
func (s *CaptureSession) release() {
	if s.acquired {
		s.device.Release()
		s.acquired = false
	}
}
