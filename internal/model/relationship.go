package model

import (
	"time"

	"gorm.io/datatypes"
)

// 关系类型。除内置的 relates_to / mentions 外，元数据中声明的任意类型都允许。
const (
	RelationRelatesTo = "relates_to"
	RelationMentions  = "mentions"
)

// GraphRelationship 定义了 relationships 表的 ORM 模型。
// 每个 (source_id, target_id, type) 只有一条边，Strength 限制在 [0,1]。
type GraphRelationship struct {
	ID         string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	SourceID   string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_relationship_key,priority:1;index" json:"sourceId"`
	TargetID   string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_relationship_key,priority:2;index" json:"targetId"`
	Type       string            `gorm:"type:varchar(64);not null;uniqueIndex:idx_relationship_key,priority:3" json:"type"`
	Strength   float64           `gorm:"not null" json:"strength"`
	Properties datatypes.JSONMap `json:"properties,omitempty"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (GraphRelationship) TableName() string {
	return "relationships"
}

// EdgeFilter 是 graph.edges 的过滤条件。
type EdgeFilter struct {
	EntityID    string // 作为起点或终点
	Type        string
	MinStrength float64
	Limit       int
}

// NodeFilter 是 graph.nodes 的过滤条件。
type NodeFilter struct {
	Type   EntityType
	Name   string // 名称子串，大小写不敏感
	Limit  int
	Offset int
}
