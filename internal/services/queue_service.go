// internal/services/queue_service.go
// RabbitMQ 隊列服務 (queue 派送模式)

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"sendy/internal/config"
	"sendy/internal/models"
)

const (
	deadLetterExchange   = "dlx"
	deadLetterRoutingKey = "failed"
)

// CampaignPublisher 發布活動到隊列
type CampaignPublisher interface {
	PublishCampaign(ctx context.Context, job *models.CampaignJob) error
}

// QueueService RabbitMQ 隊列服務
type QueueService struct {
	cfg     *config.Config
	log     zerolog.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
}

// NewQueueService 建立隊列服務
func NewQueueService(cfg *config.Config, log zerolog.Logger) (*QueueService, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	svc := &QueueService{
		cfg:     cfg,
		log:     log,
		conn:    conn,
		channel: channel,
	}

	// 宣告隊列
	if err := DeclareQueues(channel, cfg); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}
	log.Info().Str("queue", cfg.CampaignQueueName).Msg("RabbitMQ queues declared successfully")

	return svc, nil
}

// DeclareQueues 宣告活動隊列與失敗隊列，API 與 Worker 共用
// 被拒絕的訊息經由死信交換器進入失敗隊列
func DeclareQueues(channel *amqp.Channel, cfg *config.Config) error {
	if err := channel.ExchangeDeclare(
		deadLetterExchange, // name
		"direct",           // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("failed to declare DLX: %w", err)
	}

	_, err := channel.QueueDeclare(
		cfg.CampaignQueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    deadLetterExchange,
			"x-dead-letter-routing-key": deadLetterRoutingKey,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare campaign queue: %w", err)
	}

	_, err = channel.QueueDeclare(
		cfg.FailedQueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare failed queue: %w", err)
	}

	if err := channel.QueueBind(
		cfg.FailedQueueName,
		deadLetterRoutingKey,
		deadLetterExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind failed queue: %w", err)
	}

	return nil
}

// PublishCampaign 發布活動到隊列
func (s *QueueService) PublishCampaign(ctx context.Context, job *models.CampaignJob) error {
	return s.publish(ctx, s.cfg.CampaignQueueName, job)
}

// PublishFailed 發布到失敗隊列
func (s *QueueService) PublishFailed(ctx context.Context, job *models.CampaignJob, cause error) error {
	return s.publish(ctx, s.cfg.FailedQueueName, &models.FailedCampaign{
		Job:      *job,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
}

func (s *QueueService) publish(ctx context.Context, queue string, payload interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := s.channel.PublishWithContext(
		ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Ping 檢查連接
func (s *QueueService) Ping(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && !s.conn.IsClosed() && !s.channel.IsClosed()
}

// Close 關閉連接
func (s *QueueService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
