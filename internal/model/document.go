// Package model 定义了与数据库表对应的 Go 结构体，以及跨模块共享的事件、任务和错误类型。
package model

import (
	"time"

	"gorm.io/datatypes"
)

// SourceType 表示文档来源。
type SourceType string

const (
	SourceFileSystem    SourceType = "file_system"
	SourceEmail         SourceType = "email"
	SourceCloudStorage  SourceType = "cloud_storage"
	SourceDevTools      SourceType = "dev_tools"
	SourceCommunication SourceType = "communication"
	SourceBrowser       SourceType = "browser"
)

// Valid 判断来源是否在封闭集合内。
func (s SourceType) Valid() bool {
	switch s {
	case SourceFileSystem, SourceEmail, SourceCloudStorage, SourceDevTools, SourceCommunication, SourceBrowser:
		return true
	}
	return false
}

// DocumentStatus 记录富化阶段是否全部成功。
type DocumentStatus string

const (
	DocumentIndexed DocumentStatus = "indexed"
	DocumentPartial DocumentStatus = "partial"
)

// Document 定义了 documents 表的 ORM 模型。
// (file_path, content_hash) 唯一，保证同一路径下相同内容只会存储一次。
// 加密文档只记录算法和 KDF 标识，绝不保存密钥。
type Document struct {
	ID                  string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	SourceType          SourceType        `gorm:"type:varchar(32);not null;index" json:"sourceType"`
	SourceTag           string            `gorm:"type:varchar(128);index" json:"sourceTag,omitempty"`
	FilePath            string            `gorm:"type:varchar(512);not null;default:'';uniqueIndex:idx_document_identity,priority:1" json:"filePath,omitempty"`
	ContentHash         string            `gorm:"type:varchar(64);not null;uniqueIndex:idx_document_identity,priority:2;index" json:"contentHash"`
	Title               string            `gorm:"type:varchar(512)" json:"title"`
	ContentType         string            `gorm:"type:varchar(128);index" json:"contentType"`
	Size                int64             `gorm:"not null;default:0" json:"size"`
	BlobKey             string            `gorm:"type:varchar(255);not null" json:"-"`
	Encrypted           bool              `gorm:"not null;default:false" json:"encrypted"`
	EncryptionAlgorithm string            `gorm:"type:varchar(32)" json:"encryptionAlgorithm,omitempty"`
	EncryptionKDF       string            `gorm:"type:varchar(32)" json:"encryptionKdf,omitempty"`
	Status              DocumentStatus    `gorm:"type:varchar(16);not null;default:'indexed'" json:"status"`
	FailedStages        string            `gorm:"type:varchar(255)" json:"failedStages,omitempty"` // 逗号分隔
	Metadata            datatypes.JSONMap `json:"metadata,omitempty"`
	IngestedAt          time.Time         `gorm:"not null;index" json:"ingestedAt"`
	ModifiedAt          time.Time         `gorm:"not null;index" json:"modifiedAt"`

	// 以下字段只在读取时填充
	Content  string      `gorm:"-" json:"content,omitempty"`
	Entities []EntityRef `gorm:"-" json:"entities,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// EntityRef 是文档详情中返回的实体摘要。
type EntityRef struct {
	ID         string     `json:"id"`
	Type       EntityType `json:"type"`
	Name       string     `json:"name"`
	Confidence *float64   `json:"confidence,omitempty"`
}

// DocumentFilter 是 documents.list 的过滤条件。
type DocumentFilter struct {
	SourceType  SourceType
	SourceTag   string
	ContentType string
	FilePath    string
	Offset      int
	Limit       int
}
