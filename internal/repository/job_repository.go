package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"pkm-engine/internal/model"
)

// JobRepository 保存异步任务的状态。Update 是原子的读-改-写。
type JobRepository interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, fn func(job *model.Job) error) (*model.Job, error)
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Items = append([]model.JobItem(nil), j.Items...)
	return &c
}

type memoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

// NewMemoryJobRepository 创建进程内的任务存储，进程重启后任务状态丢失。
func NewMemoryJobRepository() JobRepository {
	return &memoryJobRepository{jobs: make(map[string]*model.Job)}
}

func (r *memoryJobRepository) Save(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *memoryJobRepository) Get(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return cloneJob(j), nil
}

func (r *memoryJobRepository) Update(_ context.Context, id string, fn func(job *model.Job) error) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	next := cloneJob(j)
	if err := fn(next); err != nil {
		return nil, err
	}
	r.jobs[id] = next
	return cloneJob(next), nil
}

type redisJobRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewRedisJobRepository 把任务以 JSON 存入 Redis，多个实例共享任务状态。
func NewRedisJobRepository(redisClient *redis.Client, ttl time.Duration) JobRepository {
	return &redisJobRepository{redisClient: redisClient, ttl: ttl}
}

func jobKey(id string) string {
	return "pkm:job:" + id
}

func (r *redisJobRepository) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.redisClient.Set(ctx, jobKey(job.ID), data, r.ttl).Err(); err != nil {
		return model.Wrap(model.ErrStorage, err)
	}
	return nil
}

func (r *redisJobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := r.redisClient.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update 使用 WATCH/MULTI 乐观锁，冲突时重试。
func (r *redisJobRepository) Update(ctx context.Context, id string, fn func(job *model.Job) error) (*model.Job, error) {
	key := jobKey(id)
	var updated *model.Job
	var fnErr error
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if err := fn(&job); err != nil {
			fnErr = err
			return err
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < 20; i++ {
		err := r.redisClient.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if fnErr != nil || errors.Is(err, model.ErrNotFound) {
				return nil, err
			}
			return nil, model.Wrap(model.ErrStorage, err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: too many concurrent updates to job %s", model.ErrStorage, id)
}
