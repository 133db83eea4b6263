// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"pkm-engine/internal/model"
)

// DocumentRepository 定义了文档及实体出现记录的持久化操作。
type DocumentRepository interface {
	// Create 按 (file_path, content_hash) 幂等插入，created=false 表示记录已存在。
	Create(ctx context.Context, doc *model.Document) (created bool, err error)
	FindByID(ctx context.Context, id string) (*model.Document, error)
	FindByIdentity(ctx context.Context, filePath, contentHash string) (*model.Document, error)
	FindByPath(ctx context.Context, filePath string) ([]model.Document, error)
	List(ctx context.Context, filter model.DocumentFilter) ([]model.Document, int64, error)
	// Each 分批遍历全部文档，用于启动时重建索引。
	Each(ctx context.Context, batchSize int, fn func([]model.Document) error) error
	UpdateStatus(ctx context.Context, id string, status model.DocumentStatus, failedStages string) error
	Delete(ctx context.Context, id string) error
	CountByBlobKey(ctx context.Context, blobKey string) (int64, error)

	// SaveMentions 替换文档的全部实体出现记录。
	SaveMentions(ctx context.Context, documentID string, mentions []model.EntityMention) error
	EntitiesForDocument(ctx context.Context, documentID string) ([]model.EntityRef, error)
	// DocumentIDsWithEntityTypes 返回提到了任一给定类型实体的文档 ID。
	DocumentIDsWithEntityTypes(ctx context.Context, types []model.EntityType) (map[string]bool, error)
	Ping(ctx context.Context) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	return model.Wrap(model.ErrStorage, err)
}

func (r *documentRepository) Create(ctx context.Context, doc *model.Document) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_path"}, {Name: "content_hash"}},
		DoNothing: true,
	}).Create(doc)
	if res.Error != nil {
		return false, model.Wrap(model.ErrStorage, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *documentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		return nil, notFound(err, "document "+id)
	}
	return &doc, nil
}

func (r *documentRepository) FindByIdentity(ctx context.Context, filePath, contentHash string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("file_path = ? AND content_hash = ?", filePath, contentHash).First(&doc).Error
	if err != nil {
		return nil, notFound(err, "document "+contentHash)
	}
	return &doc, nil
}

func (r *documentRepository) FindByPath(ctx context.Context, filePath string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).Where("file_path = ?", filePath).Order("ingested_at").Find(&docs).Error
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return docs, nil
}

func (r *documentRepository) List(ctx context.Context, filter model.DocumentFilter) ([]model.Document, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Document{})
	if filter.SourceType != "" {
		q = q.Where("source_type = ?", filter.SourceType)
	}
	if filter.SourceTag != "" {
		q = q.Where("source_tag = ?", filter.SourceTag)
	}
	if filter.ContentType != "" {
		q = q.Where("content_type LIKE ?", filter.ContentType+"%")
	}
	if filter.FilePath != "" {
		q = q.Where("file_path = ?", filter.FilePath)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, model.Wrap(model.ErrStorage, err)
	}
	var docs []model.Document
	q = q.Order("ingested_at DESC").Order("id").Offset(filter.Offset)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&docs).Error; err != nil {
		return nil, 0, model.Wrap(model.ErrStorage, err)
	}
	return docs, total, nil
}

func (r *documentRepository) Each(ctx context.Context, batchSize int, fn func([]model.Document) error) error {
	var batch []model.Document
	res := r.db.WithContext(ctx).Order("id").FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		return fn(batch)
	})
	return res.Error
}

func (r *documentRepository) UpdateStatus(ctx context.Context, id string, status model.DocumentStatus, failedStages string) error {
	err := r.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "failed_stages": failedStages}).Error
	return model.Wrap(model.ErrStorage, err)
}

// Delete 删除文档及其实体出现记录，实体和关系保留。
func (r *documentRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&model.EntityMention{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Document{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return notFound(err, "document "+id)
	}
	return nil
}

func (r *documentRepository) CountByBlobKey(ctx context.Context, blobKey string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Document{}).Where("blob_key = ?", blobKey).Count(&n).Error
	return n, model.Wrap(model.ErrStorage, err)
}

func (r *documentRepository) SaveMentions(ctx context.Context, documentID string, mentions []model.EntityMention) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.EntityMention{}).Error; err != nil {
			return err
		}
		if len(mentions) == 0 {
			return nil
		}
		for i := range mentions {
			mentions[i].ID = 0
			mentions[i].DocumentID = documentID
		}
		return tx.CreateInBatches(mentions, 200).Error
	})
	return model.Wrap(model.ErrStorage, err)
}

func (r *documentRepository) EntitiesForDocument(ctx context.Context, documentID string) ([]model.EntityRef, error) {
	var refs []model.EntityRef
	err := r.db.WithContext(ctx).Table("entities").
		Select("DISTINCT entities.id, entities.type, entities.name, entities.confidence").
		Joins("JOIN entity_mentions ON entity_mentions.entity_id = entities.id").
		Where("entity_mentions.document_id = ?", documentID).
		Order("entities.name").
		Scan(&refs).Error
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return refs, nil
}

func (r *documentRepository) DocumentIDsWithEntityTypes(ctx context.Context, types []model.EntityType) (map[string]bool, error) {
	var ids []string
	err := r.db.WithContext(ctx).Table("entity_mentions").
		Distinct("entity_mentions.document_id").
		Joins("JOIN entities ON entities.id = entity_mentions.entity_id").
		Where("entities.type IN ?", types).
		Pluck("entity_mentions.document_id", &ids).Error
	if err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (r *documentRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
