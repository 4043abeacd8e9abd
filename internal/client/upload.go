package client

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"

	"voice-expense/internal/faults"
	"voice-expense/internal/models"
)

// MaxUploadBytes 上傳大小上限，與伺服器端一致。超過的 buffer 在本地直接拒絕。
const MaxUploadBytes = 25 << 20

// MinUploadSeconds 上傳的最短錄音長度，與伺服器端一致。
const MinUploadSeconds = 1.0

// Recording 待上傳的完成錄音。
type Recording struct {
	Data            []byte
	DurationSeconds float64
	Filename        string
}

// Uploader 將完成的錄音送交伺服器建立任務。
// 每次呼叫都建立全新任務（不要求冪等）；失敗時不回傳 task id，呼叫方不得開始輪詢。
type Uploader struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
}

// NewUploader 建立 Uploader 實例。
func NewUploader(baseURL, userID string) *Uploader {
	return &Uploader{
		BaseURL:    baseURL,
		UserID:     userID,
		HTTPClient: &http.Client{},
	}
}

// Upload 驗證並上傳錄音，成功時回傳已建立的任務。
//
// 前置驗證在任何網路呼叫之前執行（fail fast）：
// 大小超限 → FILE_TOO_LARGE，長度不足 → RECORDING_TOO_SHORT。
// 回傳的 error 一律為 faults.Fault，可直接驅動 UI 的重試顯示。
func (u *Uploader) Upload(ctx context.Context, groupID string, rec Recording) (*models.CreatedTask, error) {
	if len(rec.Data) > MaxUploadBytes {
		return nil, faults.New(faults.FileTooLarge, "")
	}
	if rec.DurationSeconds < MinUploadSeconds {
		return nil, faults.New(faults.RecordingTooShort, "")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := rec.Filename
	if filename == "" {
		filename = "recording.webm"
	}
	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return nil, faults.New(faults.UploadFailed, "")
	}
	if _, err := part.Write(rec.Data); err != nil {
		return nil, faults.New(faults.UploadFailed, "")
	}
	_ = writer.WriteField("group_id", groupID)
	_ = writer.WriteField("duration_seconds", strconv.FormatFloat(rec.DurationSeconds, 'f', 3, 64))
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", u.BaseURL+"/api/tasks", body)
	if err != nil {
		return nil, faults.New(faults.UploadFailed, "")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	u.attachIdentity(req)

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return nil, faults.New(faults.NetworkError, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, faults.FromUploadStatus(resp.StatusCode)
	}

	var created models.CreatedTask
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, faults.New(faults.UploadFailed, "")
	}
	if created.TaskID == "" {
		return nil, faults.New(faults.UploadFailed, "")
	}
	return &created, nil
}

// attachIdentity 以 identity cookie 附帶身份，與瀏覽器端行為一致。
func (u *Uploader) attachIdentity(req *http.Request) {
	if u.UserID != "" {
		req.AddCookie(&http.Cookie{Name: "userId", Value: u.UserID})
	}
}
