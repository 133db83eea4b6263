// Package kafka 提供了与 Kafka 消息队列交互的功能，用作任务队列的分发器。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
	"pkm-engine/internal/config"
	"pkm-engine/pkg/log"
	"pkm-engine/pkg/tasks"
)

// Dispatcher 把任务项写入 Kafka 主题，并由同一消费组中的若干 reader 取回执行。
type Dispatcher struct {
	cfg      config.KafkaConfig
	readers  int
	producer *kafka.Writer

	mu sync.Mutex
	rs []*kafka.Reader
	wg sync.WaitGroup
}

// NewDispatcher 初始化 Kafka 生产者。readers 为消费者数量。
func NewDispatcher(cfg config.KafkaConfig, readers int) (*Dispatcher, error) {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka.brokers 未配置")
	}
	if readers <= 0 {
		readers = 1
	}
	d := &Dispatcher{
		cfg:     cfg,
		readers: readers,
		producer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
	log.Infof("Kafka 生产者初始化成功, topic=%s", cfg.Topic)
	return d, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Dispatch 发送一个任务项到 Kafka。以任务 ID 为 key，同一任务的项落在同一分区。
func (d *Dispatcher) Dispatch(ctx context.Context, task tasks.IngestItemTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return d.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.JobID),
		Value: taskBytes,
	})
}

// Start 启动消费者。handle 同步执行任务项，返回后提交 offset；
// 任务项自身的重试由调用方负责，这里不再重投。
func (d *Dispatcher) Start(ctx context.Context, handle func(ctx context.Context, task tasks.IngestItemTask)) error {
	brokers := splitBrokers(d.cfg.Brokers)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < d.readers; i++ {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    d.cfg.Topic,
			GroupID:  d.cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		})
		d.rs = append(d.rs, r)
		d.wg.Add(1)
		go func(r *kafka.Reader) {
			defer d.wg.Done()
			d.consume(ctx, r, handle)
		}(r)
	}
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s' (readers=%d)", d.cfg.Topic, d.readers)
	return nil
}

func (d *Dispatcher) consume(ctx context.Context, r *kafka.Reader, handle func(ctx context.Context, task tasks.IngestItemTask)) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			return
		}

		var task tasks.IngestItemTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, offset=%d", err, m.Offset)
		} else {
			log.Debugf("收到 Kafka 消息: job=%s item=%d offset=%d", task.JobID, task.Index, m.Offset)
			handle(ctx, task)
		}
		// 消息格式错误也直接提交，避免阻塞队列
		if err := r.CommitMessages(context.Background(), m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// Close 关闭生产者和所有消费者，等待消费循环退出。
func (d *Dispatcher) Close() error {
	var errs []error
	if err := d.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭 Kafka 生产者失败: %w", err))
	}
	d.mu.Lock()
	for _, r := range d.rs {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭 Kafka 消费者失败: %w", err))
		}
	}
	d.rs = nil
	d.mu.Unlock()
	d.wg.Wait()
	return errors.Join(errs...)
}
