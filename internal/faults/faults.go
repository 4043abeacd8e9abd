package faults

import "net/http"

// Code 錯誤分類碼。整個系統（UploadClient、TaskPoller、Pipeline、API）
// 共用這組封閉的分類，確保「可否重試」的判斷在各處一致。
type Code string

const (
	MicrophoneError    Code = "MICROPHONE_ERROR"
	RecordingError     Code = "RECORDING_ERROR"
	RecordingTooShort  Code = "RECORDING_TOO_SHORT"
	FileTooLarge       Code = "FILE_TOO_LARGE"
	InvalidRequest     Code = "INVALID_REQUEST"
	InvalidAudioFormat Code = "INVALID_AUDIO_FORMAT"
	Unauthorized       Code = "UNAUTHORIZED"
	Forbidden          Code = "FORBIDDEN"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	UploadFailed       Code = "UPLOAD_FAILED"
	NetworkError       Code = "NETWORK_ERROR"
	PollingError       Code = "POLLING_ERROR"
	Timeout            Code = "TIMEOUT"
	TranscriptionFail  Code = "TRANSCRIPTION_FAILED"
	ParsingFailed      Code = "PARSING_FAILED"
)

// Fault 帶分類碼的錯誤值，同時是 machine code 與 human-readable message 的載體。
type Fault struct {
	Code    Code
	Message string
}

// Error 實作 error 介面。
func (f Fault) Error() string {
	return string(f.Code) + ": " + f.Message
}

// Retryable 回報此錯誤是否應顯示重試按鈕。
func (f Fault) Retryable() bool {
	return Retryable(f.Code)
}

// New 建立 Fault，msg 為空時使用該分類碼的預設訊息。
func New(code Code, msg string) Fault {
	if msg == "" {
		msg = defaultMessage(code)
	}
	return Fault{Code: code, Message: msg}
}

// Retryable 封閉的可重試判定表。
// 不可重試的分類：輸入本身有問題（檔案過大、格式錯誤）或權限問題，重試不會改變結果。
func Retryable(code Code) bool {
	switch code {
	case FileTooLarge, InvalidRequest, InvalidAudioFormat, Unauthorized, Forbidden:
		return false
	default:
		return true
	}
}

// defaultMessage 各分類碼的預設用戶訊息。
func defaultMessage(code Code) string {
	switch code {
	case MicrophoneError:
		return "無法使用麥克風，請確認權限設定後重試"
	case RecordingError:
		return "錄音過程發生錯誤，請重新錄製"
	case RecordingTooShort:
		return "錄音太短，請至少錄製 1 秒"
	case FileTooLarge:
		return "錄音檔案過大，請縮短錄音長度"
	case InvalidRequest:
		return "請求格式不正確"
	case InvalidAudioFormat:
		return "不支援的音訊格式"
	case Unauthorized:
		return "請先登入"
	case Forbidden:
		return "你不是這個群組的成員"
	case ServiceUnavailable:
		return "服務暫時無法使用，請稍後重試"
	case UploadFailed:
		return "上傳失敗，請檢查網路連線後重試"
	case NetworkError:
		return "網路連線異常，請重試"
	case PollingError:
		return "無法取得處理進度，請重試"
	case Timeout:
		return "處理時間過長，請稍後查看結果或重試"
	case TranscriptionFail:
		return "語音辨識失敗，請重新錄製"
	case ParsingFailed:
		return "無法從內容中整理出消費資訊，請重新錄製"
	default:
		return "發生未知錯誤"
	}
}

// FromUploadStatus 將上傳請求的 HTTP 狀態碼對映至分類碼。
// 對映表與伺服器端 HTTPStatus 互為反函數（在上傳情境下）。
func FromUploadStatus(status int) Fault {
	switch status {
	case http.StatusBadRequest:
		return New(InvalidRequest, "")
	case http.StatusUnauthorized:
		return New(Unauthorized, "")
	case http.StatusForbidden:
		return New(Forbidden, "")
	case http.StatusRequestEntityTooLarge:
		return New(FileTooLarge, "")
	case http.StatusServiceUnavailable:
		return New(ServiceUnavailable, "")
	default:
		return New(UploadFailed, "")
	}
}

// FromPollStatus 將狀態查詢的 HTTP 狀態碼對映至分類碼。
// 查詢階段除了授權問題外一律歸類為 POLLING_ERROR，由呼叫方決定是否重啟整個輪詢。
func FromPollStatus(status int) Fault {
	switch status {
	case http.StatusUnauthorized:
		return New(Unauthorized, "")
	case http.StatusForbidden:
		return New(Forbidden, "")
	default:
		return New(PollingError, "")
	}
}

// HTTPStatus 伺服器端回應時使用的分類碼 → HTTP 狀態碼對映。
func HTTPStatus(code Code) int {
	switch code {
	case InvalidRequest, InvalidAudioFormat, RecordingTooShort:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case FileTooLarge:
		return http.StatusRequestEntityTooLarge
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
