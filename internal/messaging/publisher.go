package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// BalanceUpdate - событие изменения баланса, доставляемое клиенту через
// очередь client_updates (websocket-шлюз забирает ее на своей стороне).
type BalanceUpdate struct {
	Type          string    `json:"type"` // always "balance_update"
	UserID        uuid.UUID `json:"user_id"`
	Balance       int64     `json:"balance"`
	Delta         int64     `json:"delta"`
	Reason        string    `json:"reason"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// ProgressUpdate - событие продвижения по истории.
type ProgressUpdate struct {
	Type                 string    `json:"type"` // always "progress_update"
	UserID               uuid.UUID `json:"user_id"`
	CharacterID          uuid.UUID `json:"character_id"`
	CurrentChapterNumber int       `json:"current_chapter_number"`
	IsCompleted          bool      `json:"is_completed"`
	UnlockedChapters     []int     `json:"unlocked_chapters"`
	Timestamp            time.Time `json:"timestamp"`
}

// ClientUpdatePublisher defines the interface for publishing updates to the client.
type ClientUpdatePublisher interface {
	PublishBalanceUpdate(ctx context.Context, payload BalanceUpdate) error
	PublishProgressUpdate(ctx context.Context, payload ProgressUpdate) error
}

// rabbitMQPublisher implements ClientUpdatePublisher for RabbitMQ.
type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
}

// NewRabbitMQClientUpdatePublisher creates a publisher for the client updates queue.
// Паблишер объявляет очередь сам, чтобы не зависеть от порядка запуска сервисов.
// Параметры очереди должны совпадать с параметрами на стороне консьюмера.
func NewRabbitMQClientUpdatePublisher(conn *amqp.Connection, queueName string) (ClientUpdatePublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("client update publisher: не удалось открыть канал: %w", err)
	}
	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		log.Printf("ClientUpdatePublisher ERROR: Не удалось объявить очередь '%s': %v", queueName, err)
		ch.Close()
		return nil, fmt.Errorf("client update publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}
	log.Printf("ClientUpdatePublisher: Очередь '%s' успешно объявлена/найдена.", queueName)
	return &rabbitMQPublisher{channel: ch, queueName: queueName}, nil
}

// PublishBalanceUpdate publishes a balance change event for the client.
func (p *rabbitMQPublisher) PublishBalanceUpdate(ctx context.Context, payload BalanceUpdate) error {
	payload.Type = "balance_update"
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[UserID: %s] Ошибка сериализации BalanceUpdate: %v", payload.UserID, err)
		return fmt.Errorf("ошибка сериализации balance update для UserID %s: %w", payload.UserID, err)
	}
	if err := p.publishMessage(ctx, body); err != nil {
		log.Printf("[UserID: %s] Ошибка публикации BalanceUpdate: %v", payload.UserID, err)
		return fmt.Errorf("ошибка публикации balance update для UserID %s: %w", payload.UserID, err)
	}
	return nil
}

// PublishProgressUpdate publishes a story progress event for the client.
func (p *rabbitMQPublisher) PublishProgressUpdate(ctx context.Context, payload ProgressUpdate) error {
	payload.Type = "progress_update"
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[UserID: %s] Ошибка сериализации ProgressUpdate: %v", payload.UserID, err)
		return fmt.Errorf("ошибка сериализации progress update для UserID %s: %w", payload.UserID, err)
	}
	if err := p.publishMessage(ctx, body); err != nil {
		log.Printf("[UserID: %s] Ошибка публикации ProgressUpdate: %v", payload.UserID, err)
		return fmt.Errorf("ошибка публикации progress update для UserID %s: %w", payload.UserID, err)
	}
	return nil
}

func (p *rabbitMQPublisher) publishMessage(ctx context.Context, body []byte) error {
	if p.channel == nil {
		log.Println("Ошибка публикации: канал RabbitMQ не инициализирован (nil)")
		return errors.New("канал RabbitMQ не инициализирован")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	// Попытка публикации с retry до 3 раз
	for attempt := 1; attempt <= 3; attempt++ {
		err = p.channel.PublishWithContext(ctx,
			"",          // exchange (используем default)
			p.queueName, // routing key (имя очереди)
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        "companion-server",
			},
		)
		if err == nil {
			break
		}
		log.Printf("Ошибка публикации (attempt %d) в очередь '%s': %v", attempt, p.queueName, err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("ошибка публикации в очередь %s после retries: %w", p.queueName, err)
	}
	return nil
}
