// Package jobs 实现异步摄取任务队列：任务状态机、有界 worker、逐项重试和取消。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"pkm-engine/internal/bus"
	"pkm-engine/internal/model"
	"pkm-engine/internal/pipeline"
	"pkm-engine/internal/repository"
	"pkm-engine/internal/util"
	"pkm-engine/pkg/log"
	"pkm-engine/pkg/tasks"
)

// Ingester 执行单篇文档的摄取，由 pipeline.Processor 实现。
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*pipeline.IngestResult, error)
}

// Options 是队列参数。
type Options struct {
	MaxAttempts      int
	Backoff          util.Backoff
	FailureThreshold float64
}

// jobState 是进程内对一个正在分发的任务的跟踪。
type jobState struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	dispatched int // 已成功交给分发器的项数，按顺序
}

// Queue 管理任务的提交、执行和取消。
type Queue struct {
	repo       repository.JobRepository
	ingester   Ingester
	dispatcher Dispatcher
	bus        bus.Publisher
	opts       Options

	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	states  map[string]*jobState
	feeders sync.WaitGroup
}

func NewQueue(repo repository.JobRepository, ingester Ingester, dispatcher Dispatcher, publisher bus.Publisher, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 200 * time.Millisecond
	}
	return &Queue{
		repo:       repo,
		ingester:   ingester,
		dispatcher: dispatcher,
		bus:        publisher,
		opts:       opts,
		states:     make(map[string]*jobState),
	}
}

// Start 启动分发器的消费端。
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx != nil {
		return errors.New("job queue already started")
	}
	q.ctx, q.stop = context.WithCancel(ctx)
	if err := q.dispatcher.Start(q.ctx, q.handle); err != nil {
		q.stop()
		q.ctx = nil
		return fmt.Errorf("start dispatcher: %w", err)
	}
	log.Info("[JobQueue] 任务队列已启动")
	return nil
}

// Stop 停止分发并等待执行中的项返回。未执行的项保持 pending。
func (q *Queue) Stop() error {
	q.mu.Lock()
	stop := q.stop
	q.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	q.feeders.Wait()
	err := q.dispatcher.Close()
	log.Info("[JobQueue] 任务队列已停止")
	return err
}

// Submit 登记一个任务并立即返回，状态为 queued。批量任务的 sourceTag 会写入每一项。
func (q *Queue) Submit(ctx context.Context, kind model.JobKind, sourceTag string, reqs []pipeline.IngestRequest) (*model.Job, error) {
	if len(reqs) == 0 {
		return nil, model.NewValidationError("job has no documents")
	}
	if kind != model.JobSingle && kind != model.JobBatch {
		return nil, model.NewValidationError("unknown job kind %q", kind)
	}
	if kind == model.JobSingle && len(reqs) != 1 {
		return nil, model.NewValidationError("single job takes exactly one document")
	}

	q.mu.Lock()
	base := q.ctx
	q.mu.Unlock()
	if base == nil {
		return nil, errors.New("job queue not started")
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := &model.Job{
		ID:        id,
		Kind:      kind,
		SourceTag: sourceTag,
		Status:    model.JobQueued,
		Items:     make([]model.JobItem, len(reqs)),
		CreatedAt: time.Now(),
	}
	payloads := make([]json.RawMessage, len(reqs))
	for i := range reqs {
		if sourceTag != "" && reqs[i].SourceTag == "" {
			reqs[i].SourceTag = sourceTag
		}
		job.Items[i] = model.JobItem{Index: i, Title: reqs[i].Title, FilePath: reqs[i].FilePath, Status: model.ItemPending}
		payloads[i], err = json.Marshal(reqs[i])
		if err != nil {
			return nil, model.NewValidationError("item %d: %v", i, err)
		}
	}
	if err := q.repo.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	st := &jobState{}
	st.ctx, st.cancel = context.WithCancel(base)
	q.mu.Lock()
	q.states[id] = st
	q.mu.Unlock()

	q.feeders.Add(1)
	go q.feed(id, st, payloads)

	log.Infof("[JobQueue] 已提交任务 %s: kind=%s, items=%d, tag=%s", id, kind, len(reqs), sourceTag)
	return job, nil
}

// feed 按顺序把任务项交给分发器，任务被取消后停止。
func (q *Queue) feed(id string, st *jobState, payloads []json.RawMessage) {
	defer q.feeders.Done()
	for i, payload := range payloads {
		if st.ctx.Err() != nil {
			return
		}
		err := q.dispatcher.Dispatch(st.ctx, tasks.IngestItemTask{JobID: id, Index: i, Payload: payload})
		if err != nil {
			if st.ctx.Err() != nil {
				return
			}
			log.Errorf("[JobQueue] 任务 %s 第 %d 项分发失败: %v", id, i, err)
			q.finishItem(id, i, nil, 0, fmt.Errorf("dispatch: %w", err))
			continue
		}
		st.mu.Lock()
		st.dispatched = i + 1
		st.mu.Unlock()
	}
}

// Status 返回任务的当前状态。
func (q *Queue) Status(ctx context.Context, id string) (*model.Job, error) {
	return q.repo.Get(ctx, id)
}

// Cancel 停止分发任务的剩余项并把它们标记为 skipped，已分发的项照常执行完。
func (q *Queue) Cancel(ctx context.Context, id string) (*model.Job, error) {
	q.mu.Lock()
	st := q.states[id]
	q.mu.Unlock()

	dispatched := 0
	if st != nil {
		st.cancel()
		st.mu.Lock()
		dispatched = st.dispatched
		st.mu.Unlock()
	}

	job, err := q.repo.Update(ctx, id, func(job *model.Job) error {
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s is %s", model.ErrJobAlreadyFinished, id, job.Status)
		}
		job.Status = model.JobCancelled
		for i := range job.Items {
			it := &job.Items[i]
			// 执行中和已交给分发器的项照常完成
			if it.Status != model.ItemPending || (st != nil && i < dispatched) {
				continue
			}
			it.Status = model.ItemSkipped
			job.Skipped++
		}
		if job.Processed() == len(job.Items) {
			now := time.Now()
			job.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[JobQueue] 任务 %s 已取消, skipped=%d", id, job.Skipped)
	if job.CompletedAt != nil {
		q.finalize(job)
	}
	return job, nil
}

// handle 在 worker 上执行一个任务项。
func (q *Queue) handle(ctx context.Context, task tasks.IngestItemTask) {
	job, err := q.repo.Update(ctx, task.JobID, func(job *model.Job) error {
		if task.Index < 0 || task.Index >= len(job.Items) {
			return fmt.Errorf("item %d out of range", task.Index)
		}
		if job.Items[task.Index].Done() {
			return errItemDone
		}
		job.Items[task.Index].Status = model.ItemRunning
		if job.Status == model.JobQueued {
			now := time.Now()
			job.Status = model.JobRunning
			job.StartedAt = &now
		}
		return nil
	})
	if errors.Is(err, errItemDone) {
		return
	}
	if err != nil {
		log.Errorf("[JobQueue] 任务 %s 第 %d 项无法执行: %v", task.JobID, task.Index, err)
		return
	}

	var req pipeline.IngestRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		q.finishItem(job.ID, task.Index, nil, 0, model.NewValidationError("bad item payload: %v", err))
		return
	}

	attempts := 0
	res, err := util.RetryWithContext(ctx, q.opts.MaxAttempts, q.opts.Backoff, model.IsRetryable,
		func(ctx context.Context) (*pipeline.IngestResult, error) {
			attempts++
			return q.ingester.Ingest(ctx, req)
		})
	if err != nil && ctx.Err() != nil {
		// 队列停止，该项退回 pending
		q.resetItem(job.ID, task.Index)
		log.Warnf("[JobQueue] 队列停止, 任务 %s 第 %d 项未完成", job.ID, task.Index)
		return
	}
	q.finishItem(job.ID, task.Index, res, attempts, err)
}

var errItemDone = errors.New("item already done")

func (q *Queue) resetItem(id string, index int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.repo.Update(ctx, id, func(job *model.Job) error {
		if it := &job.Items[index]; it.Status == model.ItemRunning {
			it.Status = model.ItemPending
		}
		return nil
	})
	if err != nil {
		log.Errorf("[JobQueue] 重置任务 %s 第 %d 项失败: %v", id, index, err)
	}
}

// finishItem 记录一项的结果，所有项结束后汇总任务状态。
func (q *Queue) finishItem(id string, index int, res *pipeline.IngestResult, attempts int, ingestErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := q.repo.Update(ctx, id, func(job *model.Job) error {
		it := &job.Items[index]
		if it.Done() {
			return errItemDone
		}
		it.Attempts = attempts
		if attempts > 1 {
			job.Retries += attempts - 1
		}
		switch {
		case ingestErr != nil:
			it.Status = model.ItemFailed
			it.FailedStage = model.FailedStage(ingestErr)
			it.Error = ingestErr.Error()
			job.Failed++
		case res.Status == model.DocumentPartial:
			it.Status = model.ItemPartial
			it.DocumentID = res.DocumentID
			it.Duplicate = res.Duplicate
			if len(res.FailedStages) > 0 {
				it.FailedStage = res.FailedStages[0]
			}
			job.Succeeded++
		default:
			it.Status = model.ItemSucceeded
			it.DocumentID = res.DocumentID
			it.Duplicate = res.Duplicate
			job.Succeeded++
		}

		if job.Processed() < len(job.Items) {
			return nil
		}
		now := time.Now()
		job.CompletedAt = &now
		if job.Status != model.JobCancelled {
			job.Status = aggregate(job, q.opts.FailureThreshold)
		}
		return nil
	})
	if errors.Is(err, errItemDone) {
		return
	}
	if err != nil {
		log.Errorf("[JobQueue] 更新任务 %s 第 %d 项失败: %v", id, index, err)
		return
	}
	if ingestErr != nil {
		log.Warnf("[JobQueue] 任务 %s 第 %d 项失败 (attempts=%d): %v", id, index, attempts, ingestErr)
	}
	if job.CompletedAt != nil {
		q.finalize(job)
	}
}

// aggregate: 失败比例超过阈值为 failed，否则 completed。
func aggregate(job *model.Job, threshold float64) model.JobStatus {
	total := len(job.Items) - job.Skipped
	if total > 0 && float64(job.Failed)/float64(total) > threshold {
		return model.JobFailed
	}
	return model.JobCompleted
}

func (q *Queue) finalize(job *model.Job) {
	q.mu.Lock()
	if st, ok := q.states[job.ID]; ok {
		st.cancel()
		delete(q.states, job.ID)
	}
	q.mu.Unlock()

	log.Infof("[JobQueue] 任务 %s 结束: status=%s, succeeded=%d, failed=%d, skipped=%d, retries=%d",
		job.ID, job.Status, job.Succeeded, job.Failed, job.Skipped, job.Retries)
	if q.bus != nil {
		q.bus.Publish(model.SyncEvent{
			Kind: model.EventSyncCompleted,
			Payload: map[string]interface{}{
				"jobId":     job.ID,
				"status":    string(job.Status),
				"sourceTag": job.SourceTag,
				"total":     len(job.Items),
				"succeeded": job.Succeeded,
				"failed":    job.Failed,
				"skipped":   job.Skipped,
			},
		})
	}
}
