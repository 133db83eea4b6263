package model

import (
	"time"

	"gorm.io/datatypes"
)

// EntityType 是实体类型，custom 用于用户自定义类型。
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityLocation     EntityType = "location"
	EntityDate         EntityType = "date"
	EntityFinancial    EntityType = "financial"
	EntityTechnical    EntityType = "technical"
	EntityProject      EntityType = "project"
	EntityEmail        EntityType = "email"
	EntityURL          EntityType = "url"
	EntityCustom       EntityType = "custom"
)

// Entity 定义了 entities 表的 ORM 模型。
// (type, normalized_name, scope) 唯一，同一作用域内同名同类实体只有一个节点。
type Entity struct {
	ID             string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	Type           EntityType        `gorm:"type:varchar(32);not null;uniqueIndex:idx_entity_key,priority:1" json:"type"`
	Name           string            `gorm:"type:varchar(255);not null" json:"name"`
	NormalizedName string            `gorm:"type:varchar(255);not null;uniqueIndex:idx_entity_key,priority:2;index" json:"normalizedName"`
	Scope          string            `gorm:"type:varchar(64);not null;default:'';uniqueIndex:idx_entity_key,priority:3" json:"scope,omitempty"`
	Properties     datatypes.JSONMap `json:"properties,omitempty"`
	Confidence     *float64          `json:"confidence,omitempty"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"createdAt"`
}

func (Entity) TableName() string {
	return "entities"
}

// EntityMention 记录实体在某篇文档中的一次出现，Start/End 为规范化文本中的字节偏移。
type EntityMention struct {
	ID         uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityID   string  `gorm:"type:varchar(36);not null;index" json:"entityId"`
	DocumentID string  `gorm:"type:varchar(36);not null;index" json:"documentId"`
	Start      int     `gorm:"not null" json:"start"`
	End        int     `gorm:"not null" json:"end"`
	Text       string  `gorm:"type:varchar(255)" json:"text"`
	Confidence float64 `gorm:"not null;default:1" json:"confidence"`
}

func (EntityMention) TableName() string {
	return "entity_mentions"
}
