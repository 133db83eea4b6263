package model

import "time"

// FileOp 是文件系统变化类型。
type FileOp string

const (
	FileCreated  FileOp = "created"
	FileModified FileOp = "modified"
	FileDeleted  FileOp = "deleted"
	FileRenamed  FileOp = "renamed"
)

// FileEvent 由文件监听器产生。
type FileEvent struct {
	Op        FileOp    `json:"type"`
	Path      string    `json:"path"`
	OldPath   string    `json:"oldPath,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncEventKind 是通知总线上的事件类型。
type SyncEventKind string

const (
	EventFileChanged      SyncEventKind = "file_changed"
	EventDocumentIngested SyncEventKind = "document_ingested"
	EventEntityExtracted  SyncEventKind = "entity_extracted"
	EventSyncCompleted    SyncEventKind = "sync_completed"
)

// SyncEvent 是发布到通知总线的事件。
type SyncEvent struct {
	ID        string                 `json:"id"`
	Kind      SyncEventKind          `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}
