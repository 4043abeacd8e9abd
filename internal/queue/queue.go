package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"voice-expense/internal/models"

	"github.com/streadway/amqp"
)

// TasksQueue 任務佇列名稱。API 發布、Worker 消費。
const TasksQueue = "transcription_tasks"

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 30 * time.Second
)

// URL 從環境變數組出 RabbitMQ 連線字串。
func URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:5672/",
		os.Getenv("RABBITMQ_USER"),
		os.Getenv("RABBITMQ_PASS"),
		os.Getenv("RABBITMQ_HOST"),
	)
}

// Declare 宣告任務佇列（冪等操作，使 API 與 Worker 的啟動順序不受限制）。
func Declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(TasksQueue, true, false, false, false, nil)
	return err
}

// Publisher 將任務訊息發布至佇列。
// channel 不是併發安全的，以 mutex 保護；重連後透過 SetChannel 換上新 channel。
type Publisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher 建立 Publisher，ch 可為 nil（後續以 SetChannel 設定）。
func NewPublisher(ch *amqp.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// SetChannel 更新 channel（RabbitMQ 重連後舊 channel 已失效）。
func (p *Publisher) SetChannel(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = ch
}

// Publish 以 Persistent 模式發布任務訊息，確保 broker 重啟不掉單。
func (p *Publisher) Publish(payload models.TaskPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return fmt.Errorf("queue channel not ready")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.ch.Publish("", TasksQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// Connect 嘗試連線 RabbitMQ，失敗時以 exponential backoff 無限重試。
// 含 jitter 防止多個進程同時重連造成踩踏。
func Connect(rabbitURL string) *amqp.Connection {
	for attempt := 0; ; attempt++ {
		conn, err := amqp.Dial(rabbitURL)
		if err == nil {
			if attempt > 0 {
				log.Printf("RabbitMQ connected (after %d retries)", attempt)
			} else {
				log.Println("RabbitMQ connected")
			}
			return conn
		}

		delay := backoffDelay(attempt)
		log.Printf("RabbitMQ connect failed (attempt %d): %v, retrying in %v...", attempt+1, err, delay)
		time.Sleep(delay)
	}
}

// ConsumeLoop 持續維護 RabbitMQ 連線，斷線時自動重連並重新開始消費。
// handler 對每筆任務訊息在獨立 goroutine 中執行，完成後 Ack。
// stopCh 收到信號時結束迴圈（信號會放回 channel 供上層同時感知）。
func ConsumeLoop(handler func(models.TaskPayload), stopCh chan os.Signal) {
	for {
		conn := Connect(URL())

		err := consume(handler, conn)
		conn.Close()
		log.Printf("RabbitMQ consumer stopped: %v, reconnecting...", err)

		select {
		case sig := <-stopCh:
			stopCh <- sig
			return
		default:
		}
	}
}

// consume 在已建立的連線上建立 channel 並開始消費任務。
// 監聽 conn.NotifyClose 感知連線中斷，返回 error 觸發外層重連迴圈。
func consume(handler func(models.TaskPayload), conn *amqp.Connection) error {
	connCloseCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create consume channel: %v", err)
	}
	defer ch.Close()

	// QoS prefetch = 5，控制單一 Worker 的併發上限
	if err := ch.Qos(5, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %v", err)
	}

	if err := Declare(ch); err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}

	// autoAck = false，使用 Manual Ack 確保任務可靠投遞
	msgs, err := ch.Consume(TasksQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %v", err)
	}

	log.Println("Worker ready for tasks...")

	for {
		select {
		case amqpErr, ok := <-connCloseCh:
			if !ok {
				return fmt.Errorf("connection closed gracefully")
			}
			return fmt.Errorf("connection error: %v", amqpErr)

		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consume channel closed")
			}

			var payload models.TaskPayload
			if err := json.Unmarshal(d.Body, &payload); err != nil {
				log.Printf("Error decoding message: %v", err)
				// 無法解析的訊息 Nack 且不重新入列，防止毒訊息阻塞佇列
				d.Nack(false, false)
				continue
			}

			go func(p models.TaskPayload, delivery amqp.Delivery) {
				handler(p)
				delivery.Ack(false)
			}(payload, d)
		}
	}
}

// backoffDelay 計算指數退避延遲，含 jitter 防止踩踏效應。
func backoffDelay(attempt int) time.Duration {
	exp := math.Min(
		float64(baseReconnectDelay)*math.Pow(2, float64(attempt)),
		float64(maxReconnectDelay),
	)
	jitter := rand.Float64() * exp * 0.5
	return time.Duration(exp + jitter)
}
