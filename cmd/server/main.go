package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"voice-expense/internal/api"
	"voice-expense/internal/auth"
	"voice-expense/internal/events"
	"voice-expense/internal/middleware"
	"voice-expense/internal/queue"
	"voice-expense/internal/sse"
	"voice-expense/internal/store"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
)

// main 啟動 API 服務。
// 啟動順序：PostgreSQL（含 migrations）→ Redis → RabbitMQ publisher → HTTP server。
// DB/Redis 不可達時以 Fatal 終止（由 Docker restart 策略重啟），
// RabbitMQ 斷線時由背景 goroutine 自動重連，不需要重啟容器。
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

	// migrations 冪等，每次啟動都執行
	if err := store.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}
	log.Println("Migrations applied")

	// 建立 Redis 連線並驗證
	rdb := events.Connect()
	if err := verifyRedis(rdb); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Redis connected")

	// RabbitMQ publisher，背景 goroutine 維護連線（斷線自動重連）
	publisher := queue.NewPublisher(nil)
	go maintainPublisher(publisher)

	taskStore := store.New(db)
	authorizer := auth.NewPostgresAuthorizer(db)

	handler := &api.Handler{
		Store:     taskStore,
		Failer:    taskStore,
		Queue:     publisher,
		Auth:      authorizer,
		UploadDir: getEnv("UPLOAD_DIR", "/data/uploads"),
	}

	mux := http.NewServeMux()
	handler.Register(mux)

	// 事件側信道：輪詢超時的客戶端可重新接上補收終態
	broker := events.NewBroker(rdb)
	mux.Handle("GET /api/tasks/{id}/events", sse.NewHandler(sse.BrokerFunc(
		func(ctx context.Context, taskID string) (sse.Subscription, error) {
			return broker.Subscribe(ctx, taskID)
		}), taskStore))

	// 健康檢查端點
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := verifyRedis(rdb); err != nil {
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	port := getEnv("SERVER_PORT", "8080")
	log.Printf("Server starting on :%s", port)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      middleware.UserIdentity(mux),
		ReadTimeout:  0, // SSE 與大檔上傳需要無限讀取
		WriteTimeout: 0, // SSE 需要無限寫入
		IdleTimeout:  120 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

// maintainPublisher 維護 publisher 的 RabbitMQ channel。
// 連線中斷時以 exponential backoff 重連並換上新 channel。
func maintainPublisher(publisher *queue.Publisher) {
	for {
		conn := queue.Connect(queue.URL())

		ch, err := conn.Channel()
		if err != nil {
			log.Printf("Failed to create publish channel: %v", err)
			conn.Close()
			time.Sleep(time.Second)
			continue
		}
		if err := queue.Declare(ch); err != nil {
			log.Printf("Failed to declare queue: %v", err)
			conn.Close()
			time.Sleep(time.Second)
			continue
		}
		publisher.SetChannel(ch)

		// 阻塞至連線中斷，再回到迴圈重連
		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		if amqpErr, ok := <-closeCh; ok {
			log.Printf("RabbitMQ publisher connection lost: %v, reconnecting...", amqpErr)
		}
		conn.Close()
	}
}

// verifyRedis 以 5 秒 timeout 執行 PING 驗證 Redis 連線。
func verifyRedis(rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

// getEnv 取得環境變數，不存在時返回 fallback 預設值。
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
