package service

import (
	"context"
	"time"

	"pkm-engine/internal/bus"
	"pkm-engine/internal/model"
	"pkm-engine/internal/pipeline"
	"pkm-engine/internal/watcher"
	"pkm-engine/pkg/log"
)

// PathWatcher 是文件监听器，由 watcher.Watcher 实现。
type PathWatcher interface {
	Watch(path string, recursive bool) error
	Unwatch(path string) error
	Watched() []watcher.WatchedPath
}

// WatchService 管理监听目录，并把文件事件转换成摄取或删除。
type WatchService struct {
	watcher  PathWatcher
	ingester Ingester
	queue    JobQueue
	bus      bus.Publisher
	timeout  time.Duration
}

// NewWatchService 文件新增和修改通过任务队列摄取，享受队列的重试和并发上限。
func NewWatchService(w PathWatcher, ingester Ingester, queue JobQueue, publisher bus.Publisher, timeout time.Duration) *WatchService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WatchService{watcher: w, ingester: ingester, queue: queue, bus: publisher, timeout: timeout}
}

// SetWatcher 在监听器创建之后注入，监听器的回调就是本服务的 HandleEvent。
func (s *WatchService) SetWatcher(w PathWatcher) {
	s.watcher = w
}

func (s *WatchService) Watch(path string, recursive bool) error {
	return s.watcher.Watch(path, recursive)
}

func (s *WatchService) Unwatch(path string) error {
	return s.watcher.Unwatch(path)
}

func (s *WatchService) Watched() []watcher.WatchedPath {
	return s.watcher.Watched()
}

// HandleEvent 处理一个去抖后的文件事件：发布 file_changed，再摄取或删除对应文档。
func (s *WatchService) HandleEvent(ev model.FileEvent) {
	if s.bus != nil {
		s.bus.Publish(model.SyncEvent{
			Kind: model.EventFileChanged,
			Payload: map[string]interface{}{
				"op":      string(ev.Op),
				"path":    ev.Path,
				"oldPath": ev.OldPath,
			},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch ev.Op {
	case model.FileCreated, model.FileModified:
		req := pipeline.IngestRequest{FilePath: ev.Path, SourceType: model.SourceFileSystem}
		job, err := s.queue.Submit(ctx, model.JobSingle, "", []pipeline.IngestRequest{req})
		if err != nil {
			log.Errorf("[WatchService] 提交文件 %s 的摄取任务失败: %v", ev.Path, err)
			return
		}
		log.Infof("[WatchService] 文件 %s %s, 摄取任务 %s", ev.Path, ev.Op, job.ID)
	case model.FileDeleted, model.FileRenamed:
		path := ev.Path
		if ev.OldPath != "" {
			path = ev.OldPath
		}
		n, err := s.ingester.DeleteByPath(ctx, path)
		if err != nil {
			log.Errorf("[WatchService] 删除文件 %s 对应的文档失败: %v", path, err)
			return
		}
		log.Infof("[WatchService] 文件 %s %s, 删除文档 %d 篇", path, ev.Op, n)
	}
}
