// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "encoding/json"

// IngestItemTask 是任务队列分发的一项工作：某个任务中第 Index 项的摄取请求。
// Payload 是序列化后的摄取请求，由消费端自行解析。
type IngestItemTask struct {
	JobID   string          `json:"job_id"`
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
}
