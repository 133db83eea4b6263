package jobs

import (
	"context"
	"sync"

	"pkm-engine/pkg/tasks"
)

// Dispatcher 把任务项交给执行端。Dispatch 返回即视为已分发。
type Dispatcher interface {
	Dispatch(ctx context.Context, task tasks.IngestItemTask) error
	// Start 启动消费端，handle 同步执行一个任务项。
	Start(ctx context.Context, handle func(ctx context.Context, task tasks.IngestItemTask)) error
	Close() error
}

// ChannelDispatcher 是进程内的分发器：固定数量的 worker 消费一个有界 channel。
type ChannelDispatcher struct {
	workers int
	ch      chan tasks.IngestItemTask
	wg      sync.WaitGroup
}

func NewChannelDispatcher(workers, buffer int) *ChannelDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelDispatcher{workers: workers, ch: make(chan tasks.IngestItemTask, buffer)}
}

// Dispatch 阻塞到有 worker 或缓冲位可用，ctx 取消时返回 ctx.Err()。
func (d *ChannelDispatcher) Dispatch(ctx context.Context, task tasks.IngestItemTask) error {
	select {
	case d.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *ChannelDispatcher) Start(ctx context.Context, handle func(ctx context.Context, task tasks.IngestItemTask)) error {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-d.ch:
					handle(ctx, task)
				}
			}
		}()
	}
	return nil
}

// Close 等待所有 worker 退出，需要先取消 Start 的 ctx。
func (d *ChannelDispatcher) Close() error {
	d.wg.Wait()
	return nil
}
