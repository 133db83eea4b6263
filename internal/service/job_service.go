package service

import (
	"context"

	"pkm-engine/internal/model"
)

// JobService 查询和取消异步任务。
type JobService interface {
	Status(ctx context.Context, id string) (*model.Job, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)
}

type jobService struct {
	queue JobQueue
}

func NewJobService(queue JobQueue) JobService {
	return &jobService{queue: queue}
}

func (s *jobService) Status(ctx context.Context, id string) (*model.Job, error) {
	return s.queue.Status(ctx, id)
}

func (s *jobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	return s.queue.Cancel(ctx, id)
}
