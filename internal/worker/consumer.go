// internal/worker/consumer.go
// RabbitMQ Worker Consumer - 執行 queue 模式的活動

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"sendy/internal/config"
	"sendy/internal/engine"
	"sendy/internal/models"
	"sendy/internal/services"
	"sendy/internal/transport"
)

// 關機時等待進行中活動的時間，逾時後取消並重新排隊
const defaultShutdownTimeout = 30 * time.Second

// CampaignRunner 執行活動
type CampaignRunner interface {
	Execute(ctx context.Context, job *models.CampaignJob, t transport.Transport) engine.Report
	MarkFailed(ctx context.Context, job *models.CampaignJob, cause error)
}

// FailedPublisher 發布無法執行的活動
type FailedPublisher interface {
	PublishFailed(ctx context.Context, job *models.CampaignJob, cause error) error
}

// Consumer RabbitMQ Consumer
type Consumer struct {
	cfg       *config.Config
	log       zerolog.Logger
	runner    CampaignRunner
	negotiate services.Negotiator
	failed    FailedPublisher

	conn    *amqp.Connection
	channel *amqp.Channel

	// 進行中的活動共用此 context，關機逾時後取消
	ctx    context.Context
	cancel context.CancelFunc

	shutdownTimeout time.Duration
	consumerTag     string

	isShutdown bool
	activeJobs int
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// NewConsumer 建立 Consumer
func NewConsumer(
	cfg *config.Config,
	runner CampaignRunner,
	negotiate services.Negotiator,
	failed FailedPublisher,
	log zerolog.Logger,
) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:             cfg,
		log:             log,
		runner:          runner,
		negotiate:       negotiate,
		failed:          failed,
		ctx:             ctx,
		cancel:          cancel,
		shutdownTimeout: defaultShutdownTimeout,
		consumerTag:     "sendy-worker",
	}
}

// Start 啟動 Consumer
func (c *Consumer) Start() error {
	var err error

	// 連接 RabbitMQ
	c.conn, err = amqp.Dial(c.cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// 宣告隊列 (與 API 相同)
	if err := services.DeclareQueues(c.channel, c.cfg); err != nil {
		return err
	}

	// 設定 prefetch
	if err := c.channel.Qos(c.cfg.WorkerPrefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// 開始消費活動隊列
	msgs, err := c.channel.Consume(
		c.cfg.CampaignQueueName,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	c.log.Info().
		Str("queue", c.cfg.CampaignQueueName).
		Int("concurrency", c.cfg.WorkerConcurrency).
		Msg("worker started")

	concurrency := c.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		c.wg.Add(1)
		go c.processMessages(msgs)
	}

	return nil
}

// processMessages 處理訊息
func (c *Consumer) processMessages(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for msg := range msgs {
		if c.shuttingDown() {
			msg.Nack(false, true) // 重新排隊
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Consumer) shuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isShutdown
}

// handleMessage 處理單一活動
func (c *Consumer) handleMessage(msg amqp.Delivery) {
	c.mu.Lock()
	c.activeJobs++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.activeJobs--
		c.mu.Unlock()
	}()

	// 解析訊息，無法解析者經由死信交換器進入失敗隊列
	var job models.CampaignJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		c.log.Error().Err(err).Msg("failed to parse campaign job")
		msg.Nack(false, false)
		return
	}

	log := c.log.With().Str("campaign_id", job.CampaignID).Logger()
	log.Info().
		Int("recipients", len(job.Recipients)).
		Bool("redelivered", msg.Redelivered).
		Msg("processing campaign")

	t, err := c.negotiate(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			msg.Nack(false, true)
			return
		}

		log.Error().Err(err).Msg("transport negotiation failed")
		c.runner.MarkFailed(c.ctx, &job, err)
		if c.failed != nil {
			if pubErr := c.failed.PublishFailed(c.ctx, &job, err); pubErr != nil {
				log.Error().Err(pubErr).Msg("failed to publish to failed queue")
			}
		}
		msg.Ack(false)
		return
	}

	report := c.runner.Execute(c.ctx, &job, t)
	if report.Cancelled {
		// 未處理的收件人於重新投遞時接續
		log.Warn().Int("processed", report.Processed).Msg("campaign interrupted, requeueing")
		msg.Nack(false, true)
		return
	}

	msg.Ack(false)
}

// GracefulShutdown 優雅關機
func (c *Consumer) GracefulShutdown() {
	c.log.Info().Msg("initiating graceful shutdown")

	c.mu.Lock()
	c.isShutdown = true
	c.mu.Unlock()

	// 停止接收新訊息
	if c.channel != nil {
		if err := c.channel.Cancel(c.consumerTag, false); err != nil {
			c.log.Warn().Err(err).Msg("failed to cancel consumer")
		}
	}

	if !c.waitForJobs(c.shutdownTimeout) {
		c.log.Warn().Msg("shutdown timeout, cancelling active campaigns")
		c.cancel()
		c.waitForJobs(c.shutdownTimeout)
	}
	c.cancel()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.log.Info().Msg("worker shutdown complete")
}

// waitForJobs 等待進行中的活動結束，逾時回傳 false
func (c *Consumer) waitForJobs(timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		active := c.activeJobs
		c.mu.Unlock()
		if active == 0 {
			return true
		}

		select {
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
