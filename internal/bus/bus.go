// Package bus 是进程内的通知/同步总线：实时订阅加一段有界的历史记录。
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pkm-engine/internal/model"
	"pkm-engine/pkg/log"
)

// Publisher 是流水线、任务队列等生产者依赖的最小接口。
type Publisher interface {
	Publish(event model.SyncEvent)
}

// Bus 把事件投递给订阅者，订阅者来不及消费时丢弃事件（至多一次）。
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	history []model.SyncEvent
	next    int
	full    bool
	buffer  int
}

// Subscription 是一个订阅。C 在 Close 之后被关闭。
type Subscription struct {
	C       <-chan model.SyncEvent
	ch      chan model.SyncEvent
	kinds   map[model.SyncEventKind]bool
	dropped atomic.Int64
	bus     *Bus
	once    sync.Once
}

// New 创建总线。historySize 是保留的历史事件数，subscriberBuffer 是每个订阅者的缓冲区大小。
func New(historySize, subscriberBuffer int) *Bus {
	if historySize <= 0 {
		historySize = 256
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		history: make([]model.SyncEvent, historySize),
		buffer:  subscriberBuffer,
	}
}

// Publish 记录事件并投递给所有匹配的订阅者，不会阻塞。
func (b *Bus) Publish(event model.SyncEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history[b.next] = event
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(event)
	}
}

// Subscribe 订阅指定类型的事件，kinds 为空表示订阅全部类型。
func (b *Bus) Subscribe(kinds ...model.SyncEventKind) *Subscription {
	ch := make(chan model.SyncEvent, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[model.SyncEventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Recent 按时间顺序返回最近的 limit 个事件。
func (b *Bus) Recent(limit int) []model.SyncEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ordered []model.SyncEvent
	if b.full {
		ordered = append(ordered, b.history[b.next:]...)
	}
	ordered = append(ordered, b.history[:b.next]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

func (s *Subscription) deliver(event model.SyncEvent) {
	if s.kinds != nil && !s.kinds[event.Kind] {
		return
	}
	// 持有读锁期间 Close 无法关闭通道
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	select {
	case s.ch <- event:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warnf("[Bus] 订阅者处理过慢，已丢弃 %d 个事件", n)
		}
	}
}

// Dropped 返回因缓冲区满被丢弃的事件数。
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close 取消订阅，可重复调用。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
