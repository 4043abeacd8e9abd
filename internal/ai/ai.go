package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voice-expense/internal/models"
)

// Transcriber 定義語音轉錄為文字的介面（Pipeline Stage A）。
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// Extractor 定義從文字抽取結構化消費草稿的介面（Pipeline Stage B）。
type Extractor interface {
	Extract(ctx context.Context, text string) (models.ExtractionResult, error)
}

// AIService 組合介面，單一提供商同時支援兩個階段時使用。
type AIService interface {
	Transcriber
	Extractor
}

// --- Mock 實作 ---

// MockAIService 模擬 AI 服務，用於開發測試環境。
// 模擬真實的延遲行為，確保前後端整合測試的穩定性。
type MockAIService struct{}

// Transcribe 模擬語音轉錄，隨機延遲 2~4 秒後返回固定文字。
// 它會先檢查檔案是否存在，以確保 Worker 傳入的路徑是正確的。
func (m *MockAIService) Transcribe(ctx context.Context, filePath string) (string, error) {
	if filePath == "" {
		return "", fmt.Errorf("mock transcribe: file path is empty")
	}
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return "", fmt.Errorf("mock transcribe: file not found at %s", filePath)
	}

	select {
	case <-time.After(time.Duration(2+rand.Intn(3)) * time.Second):
		return "昨天晚上我們四個人去吃火鍋，總共花了兩千四百元，我先付的。", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Extract 模擬結構化抽取，會檢查輸入文字是否為空。
func (m *MockAIService) Extract(ctx context.Context, text string) (models.ExtractionResult, error) {
	if text == "" {
		return models.ExtractionResult{}, fmt.Errorf("mock extract: input text is empty")
	}
	select {
	case <-time.After(time.Duration(1+rand.Intn(2)) * time.Second):
		return models.ExtractionResult{
			Draft: models.ExpenseDraft{
				Title:    "火鍋聚餐",
				Amount:   2400,
				Currency: "TWD",
				Category: "餐飲",
			},
			Confidence: 0.92,
		}, nil
	case <-ctx.Done():
		return models.ExtractionResult{}, ctx.Err()
	}
}

// --- OpenAI 實作 ---

// extractionSystemPrompt 固定抽取階段的輸出形狀。
// 模型被要求只輸出 JSON 物件，confidence 表達對金額與品項判讀的整體信心。
const extractionSystemPrompt = `You are an expense extraction assistant for a bill-splitting app.
Given a spoken expense description, respond with a single JSON object:
{"draft": {"title": string, "amount": number, "currency": string, "category": string,
"date": string, "notes": string, "participants": [string]}, "confidence": number}
confidence is between 0.0 and 1.0. Respond with JSON only, no prose.`

// StandardAIProvider 提供符合 OpenAI 規範的 STT 與 LLM 服務。
// 它支援分離的 STT 與 LLM 配置，以便混用不同的提供商（如 OpenAI + 自建服務）。
type StandardAIProvider struct {
	STTApiKey string
	STTURL    string
	STTModel  string
	LLMApiKey string
	LLMURL    string
	LLMModel  string
}

// Transcribe 呼叫 OpenAI 規範的語音轉錄 API。
// 使用 multipart/form-data 格式上傳音檔。
func (o *StandardAIProvider) Transcribe(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	_ = writer.WriteField("model", o.STTModel)
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", o.STTURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+o.STTApiKey)

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("openai stt failed: %s", string(b))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Text) == "" {
		return "", fmt.Errorf("openai stt returned empty transcription")
	}
	return result.Text, nil
}

// Extract 呼叫 OpenAI 規範的 ChatCompletion API，以 JSON mode 生成消費草稿。
// 模型輸出無法解析時視為抽取階段失敗，由 Pipeline 歸類為 PARSING_FAILED。
func (o *StandardAIProvider) Extract(ctx context.Context, text string) (models.ExtractionResult, error) {
	payload := map[string]interface{}{
		"model": o.LLMModel,
		"messages": []map[string]string{
			{"role": "system", "content": extractionSystemPrompt},
			{"role": "user", "content": text},
		},
		// 強制模型輸出合法 JSON
		"response_format": map[string]string{"type": "json_object"},
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", o.LLMURL, bytes.NewBuffer(body))
	if err != nil {
		return models.ExtractionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.LLMApiKey)

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return models.ExtractionResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return models.ExtractionResult{}, fmt.Errorf("openai llm failed: %s", string(b))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.ExtractionResult{}, err
	}
	if len(result.Choices) == 0 {
		return models.ExtractionResult{}, fmt.Errorf("%w: no choices in response", ErrInvalidOutput)
	}

	return ParseExtraction(result.Choices[0].Message.Content)
}

// ErrInvalidOutput 模型回應了，但輸出不是可用的消費草稿。
// 與傳輸層錯誤區分：Pipeline 據此歸類 PARSING_FAILED 而非 SERVICE_UNAVAILABLE。
var ErrInvalidOutput = errors.New("invalid extraction output")

// ParseExtraction 解析模型輸出的 JSON 草稿。
// 信心分數超出 [0, 1] 時夾限而非報錯：草稿本身仍然可用，
// 夾限後的數值會原樣存入任務記錄。
func ParseExtraction(content string) (models.ExtractionResult, error) {
	var out models.ExtractionResult
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return models.ExtractionResult{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if out.Draft.Title == "" && out.Draft.Amount == 0 {
		return models.ExtractionResult{}, fmt.Errorf("%w: missing expense fields", ErrInvalidOutput)
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out, nil
}
