package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"voice-expense/internal/ai"
	"voice-expense/internal/events"
	"voice-expense/internal/pipeline"
	"voice-expense/internal/queue"
	"voice-expense/internal/store"

	"github.com/joho/godotenv"
)

// main 啟動 Worker 服務。
// 啟動順序：PostgreSQL → Redis → AI Service → RabbitMQ 重連迴圈 → 消費任務。
// DB/Redis 不可達時以 Fatal 終止（由 Docker restart 策略重啟），
// RabbitMQ 斷線時自動重連，不需要重啟容器。
// migrations 由 API 服務執行，Worker 只讀寫既有的表。
func main() {
	godotenv.Load(".env")

	// 建立 PostgreSQL 連線並驗證
	db, err := store.Connect()
	if err != nil {
		log.Fatal(err)
	}
	if err := db.Ping(); err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	log.Println("Database connected")

	// 建立 Redis 連線
	rdb := events.Connect()

	// 根據環境變數選擇 AI 服務實作（Mock / OpenAI）
	var transcriber ai.Transcriber
	var extractor ai.Extractor

	if os.Getenv("MOCK") == "true" {
		mock := &ai.MockAIService{}
		transcriber = mock
		extractor = mock
		log.Println("Mock AI Services enabled")
	} else {
		sttURL := os.Getenv("AI_STT_URL")
		llmURL := os.Getenv("AI_LLM_URL")
		sttModel := os.Getenv("AI_STT_MODEL")
		llmModel := os.Getenv("AI_LLM_MODEL")

		// URL 與 Model 是絕對必要的配置
		if sttURL == "" || llmURL == "" || sttModel == "" || llmModel == "" {
			log.Fatal("Necessary AI configurations missing: AI_STT_URL/MODEL and AI_LLM_URL/MODEL must be provided")
		}

		provider := &ai.StandardAIProvider{
			STTApiKey: os.Getenv("AI_STT_KEY"),
			STTURL:    sttURL,
			STTModel:  sttModel,
			LLMApiKey: os.Getenv("AI_LLM_KEY"),
			LLMURL:    llmURL,
			LLMModel:  llmModel,
		}
		transcriber = provider
		extractor = provider
		log.Println("Standard AI Services enabled (STT + Extraction)")
	}

	// 建立 Pipeline（分別注入轉錄與抽取專家）
	p := pipeline.New(store.New(db), transcriber, extractor, events.NewPublisher(rdb))

	// Graceful Shutdown：監聽 SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	// RabbitMQ 重連迴圈（獨立 goroutine）
	go queue.ConsumeLoop(p.Process, shutdownCh)

	<-shutdownCh
	log.Println("Received shutdown signal, exiting...")
}
