// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"

	"pkm-engine/internal/content"
	"pkm-engine/internal/model"
	"pkm-engine/internal/pipeline"
	"pkm-engine/internal/repository"
	"pkm-engine/pkg/log"
)

// Ingester 是文档摄取流水线，由 pipeline.Processor 实现。
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*pipeline.IngestResult, error)
	Delete(ctx context.Context, id string) error
	DeleteByPath(ctx context.Context, path string) (int, error)
}

// JobQueue 是异步任务队列，由 jobs.Queue 实现。
type JobQueue interface {
	Submit(ctx context.Context, kind model.JobKind, sourceTag string, reqs []pipeline.IngestRequest) (*model.Job, error)
	Status(ctx context.Context, id string) (*model.Job, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)
}

// DocumentDetail 是 documents.get 的返回值。
// 加密文档未解密时 Content 为密文的 base64，ContentEncoding 为 "base64"。
type DocumentDetail struct {
	model.Document
	ContentEncoding string `json:"contentEncoding,omitempty"`
}

// DocumentList 是 documents.list 的返回值。
type DocumentList struct {
	Documents []model.Document `json:"documents"`
	Total     int64            `json:"total"`
	HasMore   bool             `json:"hasMore"`
}

// DocumentService 接口定义了文档相关的业务操作。
type DocumentService interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (*pipeline.IngestResult, error)
	IngestBatch(ctx context.Context, sourceTag string, reqs []pipeline.IngestRequest) (*model.Job, error)
	Get(ctx context.Context, id string, decrypt bool) (*DocumentDetail, error)
	List(ctx context.Context, filter model.DocumentFilter) (*DocumentList, error)
	Delete(ctx context.Context, id string) error
}

type documentService struct {
	docs     repository.DocumentRepository
	store    *content.Store
	ingester Ingester
	queue    JobQueue
	maxLimit int
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(docs repository.DocumentRepository, store *content.Store, ingester Ingester, queue JobQueue, maxLimit int) DocumentService {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &documentService{docs: docs, store: store, ingester: ingester, queue: queue, maxLimit: maxLimit}
}

func (s *documentService) Ingest(ctx context.Context, req pipeline.IngestRequest) (*pipeline.IngestResult, error) {
	return s.ingester.Ingest(ctx, req)
}

func (s *documentService) IngestBatch(ctx context.Context, sourceTag string, reqs []pipeline.IngestRequest) (*model.Job, error) {
	if len(reqs) == 0 {
		return nil, model.NewValidationError("documents must not be empty")
	}
	return s.queue.Submit(ctx, model.JobBatch, strings.TrimSpace(sourceTag), reqs)
}

func (s *documentService) Get(ctx context.Context, id string, decrypt bool) (*DocumentDetail, error) {
	doc, err := s.docs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, doc, decrypt)
	if err != nil {
		return nil, err
	}

	detail := &DocumentDetail{Document: *doc}
	if doc.Encrypted && !decrypt {
		detail.Content = base64.StdEncoding.EncodeToString(data)
		detail.ContentEncoding = "base64"
	} else if utf8.Valid(data) {
		detail.Content = string(data)
	} else {
		detail.Content = base64.StdEncoding.EncodeToString(data)
		detail.ContentEncoding = "base64"
	}

	refs, err := s.docs.EntitiesForDocument(ctx, id)
	if err != nil {
		// 实体列表是附加信息，读不到时仍返回正文
		log.Warnf("[DocumentService] 读取文档 %s 的实体失败: %v", id, err)
	}
	detail.Entities = refs
	return detail, nil
}

func (s *documentService) List(ctx context.Context, filter model.DocumentFilter) (*DocumentList, error) {
	if filter.SourceType != "" && !filter.SourceType.Valid() {
		return nil, model.NewValidationError("unknown source type %q", filter.SourceType)
	}
	if filter.Offset < 0 || filter.Limit < 0 {
		return nil, model.NewValidationError("offset and limit must not be negative")
	}
	if filter.Limit == 0 || filter.Limit > s.maxLimit {
		filter.Limit = s.maxLimit
	}
	docs, total, err := s.docs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []model.Document{}
	}
	return &DocumentList{
		Documents: docs,
		Total:     total,
		HasMore:   int64(filter.Offset+len(docs)) < total,
	}, nil
}

func (s *documentService) Delete(ctx context.Context, id string) error {
	if err := s.ingester.Delete(ctx, id); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			log.Errorf("[DocumentService] 删除文档 %s 失败: %v", id, err)
		}
		return err
	}
	return nil
}
