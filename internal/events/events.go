package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"voice-expense/internal/models"

	"github.com/redis/go-redis/v9"
)

// channelPrefix 每個任務一個事件頻道（task:events:{taskID}）。
const channelPrefix = "task:events:"

// Connect 建立 Redis 連線，透過 docker bridge network 連接。
func Connect() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")),
	})
}

// Publisher 將任務事件發布至 Redis Pub/Sub。
// Pipeline 不論是否有人在輪詢都照樣發布：輪詢超時後的客戶端
// 可透過 SSE 端點重新接上，補收終態事件。
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher 建立 Publisher 實例。
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish 發布單一任務事件。序列化失敗不應發生（事件結構固定），錯誤直接回傳。
func (p *Publisher) Publish(ctx context.Context, event models.TaskEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channelPrefix+event.TaskID, payload).Err()
}

// Broker 供 SSE Handler 訂閱任務事件頻道。
type Broker struct {
	rdb *redis.Client
}

// NewBroker 建立 Broker 實例。
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Subscribe 訂閱指定任務的事件頻道，並等待 Redis 確認訂閱生效後才回傳。
// 回傳之後發布的事件保證會出現在 Events() 上；回傳之前發布的事件
// 已經錯過（Pub/Sub 不回放），呼叫方須改讀資料列補齊。
func (b *Broker) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, channelPrefix+taskID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	s := &Subscription{
		pubsub: pubsub,
		events: make(chan string),
		done:   make(chan struct{}),
	}
	go s.forward()
	return s, nil
}

// Subscription 單一任務的事件流。Close 後 Events() 頻道關閉。
type Subscription struct {
	pubsub *redis.PubSub
	events chan string
	done   chan struct{}
}

// Events 事件 payload（JSON 字串）的接收端。
func (s *Subscription) Events() <-chan string {
	return s.events
}

// Close 結束訂閱並釋放轉送 goroutine。只能呼叫一次。
func (s *Subscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (s *Subscription) forward() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		select {
		case s.events <- msg.Payload:
		case <-s.done:
			return
		}
	}
}
