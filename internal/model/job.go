package model

import "time"

type JobKind string

const (
	JobSingle JobKind = "single"
	JobBatch  JobKind = "batch"
)

// JobStatus: queued -> running -> completed | failed，运行中可以被取消。
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal 表示任务已经结束。
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemSucceeded ItemStatus = "succeeded"
	ItemPartial   ItemStatus = "partial"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// JobItem 记录批量任务中每一项的结果，任务本身不持有文档内容。
type JobItem struct {
	Index       int        `json:"index"`
	Title       string     `json:"title,omitempty"`
	FilePath    string     `json:"filePath,omitempty"`
	DocumentID  string     `json:"documentId,omitempty"`
	Duplicate   bool       `json:"duplicate,omitempty"`
	Status      ItemStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	FailedStage string     `json:"failedStage,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Done 表示该项不会再被执行。
func (i JobItem) Done() bool {
	return i.Status != ItemPending && i.Status != ItemRunning
}

// Job 是异步摄取任务。
type Job struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	SourceTag   string     `json:"sourceTag,omitempty"`
	Status      JobStatus  `json:"status"`
	Items       []JobItem  `json:"items"`
	Retries     int        `json:"retries"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Processed 返回已经结束的项数。
func (j *Job) Processed() int {
	n := 0
	for _, it := range j.Items {
		if it.Done() {
			n++
		}
	}
	return n
}
