package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"pkm-engine/internal/model"
)

// GraphRepository 是实体和关系的图存储。所有写操作都是原子的 upsert，可以并发调用。
type GraphRepository interface {
	// UpsertEntity 按 (type, normalized_name, scope) 插入或返回已有实体。
	UpsertEntity(ctx context.Context, e *model.Entity) (*model.Entity, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter model.NodeFilter) ([]model.Entity, int64, error)
	// SearchEntities 按名称子串查找，大小写不敏感。
	SearchEntities(ctx context.Context, query string, types []model.EntityType, limit int) ([]model.Entity, error)
	EntitiesByIDs(ctx context.Context, ids []string) (map[string]model.Entity, error)
	// DeleteEntity 删除实体、其出现记录和相关的边，文档保留。
	DeleteEntity(ctx context.Context, id string) error

	// UpsertRelationship 在单条语句中插入新边或把已有边的强度增加 increment（上限 1.0）。
	UpsertRelationship(ctx context.Context, rel *model.GraphRelationship, increment float64) (*model.GraphRelationship, error)
	ListRelationships(ctx context.Context, filter model.EdgeFilter) ([]model.GraphRelationship, error)
	// Neighborhood 返回与任一给定实体相连的边。
	Neighborhood(ctx context.Context, entityIDs []string) ([]model.GraphRelationship, error)
	Ping(ctx context.Context) error
}

type graphRepository struct {
	db *gorm.DB
}

// NewGraphRepository 创建一个新的 GraphRepository 实例。
func NewGraphRepository(db *gorm.DB) GraphRepository {
	return &graphRepository{db: db}
}

func (r *graphRepository) UpsertEntity(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "type"}, {Name: "normalized_name"}, {Name: "scope"}},
		DoNothing: true,
	}).Create(e).Error
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}

	var stored model.Entity
	err = db.Where("type = ? AND normalized_name = ? AND scope = ?", e.Type, e.NormalizedName, e.Scope).First(&stored).Error
	if err != nil {
		return nil, notFound(err, "entity "+e.NormalizedName)
	}
	// 保留更高的置信度，比较放在 WHERE 中，并发写入时不会被较低的值覆盖
	if e.Confidence != nil && (stored.Confidence == nil || *e.Confidence > *stored.Confidence) {
		res := db.Model(&model.Entity{}).
			Where("id = ? AND (confidence IS NULL OR confidence < ?)", stored.ID, *e.Confidence).
			Update("confidence", *e.Confidence)
		if res.Error != nil {
			return nil, model.Wrap(model.ErrStorage, res.Error)
		}
		if res.RowsAffected > 0 {
			c := *e.Confidence
			stored.Confidence = &c
		} else if err := db.Where("id = ?", stored.ID).First(&stored).Error; err != nil {
			return nil, notFound(err, "entity "+e.NormalizedName)
		}
	}
	return &stored, nil
}

func (r *graphRepository) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err, "entity "+id)
	}
	return &e, nil
}

func (r *graphRepository) ListEntities(ctx context.Context, filter model.NodeFilter) ([]model.Entity, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Entity{})
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Name != "" {
		q = q.Where("normalized_name LIKE ? ESCAPE '!'", "%"+escapeLike(strings.ToLower(filter.Name))+"%")
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, model.Wrap(model.ErrStorage, err)
	}
	var entities []model.Entity
	q = q.Order("name").Order("id").Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&entities).Error; err != nil {
		return nil, 0, model.Wrap(model.ErrStorage, err)
	}
	return entities, total, nil
}

func (r *graphRepository) SearchEntities(ctx context.Context, query string, types []model.EntityType, limit int) ([]model.Entity, error) {
	q := r.db.WithContext(ctx).Where("normalized_name LIKE ? ESCAPE '!'", "%"+escapeLike(strings.ToLower(strings.TrimSpace(query)))+"%")
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entities []model.Entity
	if err := q.Order("name").Find(&entities).Error; err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return entities, nil
}

func (r *graphRepository) EntitiesByIDs(ctx context.Context, ids []string) (map[string]model.Entity, error) {
	out := make(map[string]model.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var entities []model.Entity
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&entities).Error; err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	for _, e := range entities {
		out[e.ID] = e
	}
	return out, nil
}

func (r *graphRepository) DeleteEntity(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entity_id = ?", id).Delete(&model.EntityMention{}).Error; err != nil {
			return err
		}
		if err := tx.Where("source_id = ? OR target_id = ?", id, id).Delete(&model.GraphRelationship{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Entity{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return notFound(err, "entity "+id)
	}
	return nil
}

// minFunc 返回各方言中两参数取小值的函数名。
func (r *graphRepository) minFunc() string {
	if r.db.Dialector.Name() == "sqlite" {
		return "MIN"
	}
	return "LEAST"
}

func (r *graphRepository) UpsertRelationship(ctx context.Context, rel *model.GraphRelationship, increment float64) (*model.GraphRelationship, error) {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	rel.Strength = min(max(rel.Strength, 0), 1)
	table := model.GraphRelationship{}.TableName()
	db := r.db.WithContext(ctx)

	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_id"}, {Name: "target_id"}, {Name: "type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"strength":   gorm.Expr(fmt.Sprintf("%s(%s.strength + ?, 1.0)", r.minFunc(), table), increment),
			"updated_at": time.Now(),
		}),
	}).Create(rel).Error
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}

	var stored model.GraphRelationship
	err = db.Where("source_id = ? AND target_id = ? AND type = ?", rel.SourceID, rel.TargetID, rel.Type).First(&stored).Error
	if err != nil {
		return nil, notFound(err, "relationship")
	}
	return &stored, nil
}

func (r *graphRepository) ListRelationships(ctx context.Context, filter model.EdgeFilter) ([]model.GraphRelationship, error) {
	q := r.db.WithContext(ctx).Model(&model.GraphRelationship{})
	if filter.EntityID != "" {
		q = q.Where("source_id = ? OR target_id = ?", filter.EntityID, filter.EntityID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.MinStrength > 0 {
		q = q.Where("strength >= ?", filter.MinStrength)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rels []model.GraphRelationship
	if err := q.Order("strength DESC").Order("id").Find(&rels).Error; err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return rels, nil
}

func (r *graphRepository) Neighborhood(ctx context.Context, entityIDs []string) ([]model.GraphRelationship, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var rels []model.GraphRelationship
	err := r.db.WithContext(ctx).
		Where("source_id IN ? OR target_id IN ?", entityIDs, entityIDs).
		Order("strength DESC").Order("id").Find(&rels).Error
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return rels, nil
}

func (r *graphRepository) Ping(ctx context.Context) error {
	return r.db.WithContext(ctx).Exec("SELECT 1 FROM entities LIMIT 1").Error
}

// escapeLike 转义 LIKE 通配符，配合 ESCAPE '!' 使用，三种方言通用。
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
