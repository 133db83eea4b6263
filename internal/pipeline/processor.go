// Package pipeline 定义了文档摄取的核心流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"pkm-engine/internal/bus"
	"pkm-engine/internal/content"
	"pkm-engine/internal/extract"
	"pkm-engine/internal/graph"
	"pkm-engine/internal/model"
	"pkm-engine/internal/repository"
	"pkm-engine/internal/search"
	"pkm-engine/internal/util"
	"pkm-engine/pkg/log"
)

// IngestRequest 是一篇待摄取的文档。Content、Data 都为空时从 FilePath 读取。
type IngestRequest struct {
	Title       string                 `json:"title"`
	Content     string                 `json:"content,omitempty"`
	Data        []byte                 `json:"data,omitempty"`
	FilePath    string                 `json:"filePath,omitempty"`
	SourceType  model.SourceType       `json:"sourceType"`
	SourceTag   string                 `json:"sourceTag,omitempty"`
	ContentType string                 `json:"contentType,omitempty"`
	Encrypted   bool                   `json:"encrypted,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ModifiedAt  time.Time              `json:"modifiedAt,omitempty"`
}

// IngestResult 是 documents.ingest 的返回值。
type IngestResult struct {
	DocumentID       string               `json:"documentId"`
	Success          bool                 `json:"success"`
	Duplicate        bool                 `json:"duplicate"`
	ProcessingTimeMs int64                `json:"processingTime"`
	Status           model.DocumentStatus `json:"status"`
	FailedStages     []string             `json:"failedStages,omitempty"`
	Entities         int                  `json:"entities"`
	Relationships    int                  `json:"relationships"`
}

// Options 是流水线的可调参数。
type Options struct {
	StepTimeout         time.Duration
	IngestTimeout       time.Duration // 一次共享摄取的总时长上限，与发起请求的调用方是否断开无关
	StorageAttempts     int
	StorageBackoff      util.Backoff
	MaxDocumentBytes    int64
	ConfidentialSources []model.SourceType
	RebuildWorkers      int
	// FS 用于按路径读取文件，默认是本地文件系统
	FS afero.Fs
}

// Processor 封装了文档摄取的所有依赖和逻辑。
type Processor struct {
	docs       repository.DocumentRepository
	store      *content.Store
	normalizer *Normalizer
	extractor  extract.Extractor
	builder    *graph.Builder
	index      search.Index
	bus        bus.Publisher
	locker     Locker
	opts       Options

	confidential map[model.SourceType]bool
	group        singleflight.Group
}

// NewProcessor 创建一个新的 Processor 实例。locker 为 nil 时只做进程内串行化。
func NewProcessor(
	docs repository.DocumentRepository,
	store *content.Store,
	normalizer *Normalizer,
	extractor extract.Extractor,
	builder *graph.Builder,
	index search.Index,
	publisher bus.Publisher,
	locker Locker,
	opts Options,
) *Processor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 15 * time.Second
	}
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = 4 * opts.StepTimeout
	}
	if opts.StorageAttempts <= 0 {
		opts.StorageAttempts = 3
	}
	if opts.RebuildWorkers <= 0 {
		opts.RebuildWorkers = 4
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if locker == nil {
		locker = NoopLocker{}
	}
	p := &Processor{
		docs:         docs,
		store:        store,
		normalizer:   normalizer,
		extractor:    extractor,
		builder:      builder,
		index:        index,
		bus:          publisher,
		locker:       locker,
		opts:         opts,
		confidential: make(map[model.SourceType]bool),
	}
	for _, s := range opts.ConfidentialSources {
		p.confidential[s] = true
	}
	return p
}

// validate 校验请求并读取原始字节。
func (p *Processor) validate(req *IngestRequest) ([]byte, error) {
	if req.SourceType == "" {
		req.SourceType = model.SourceFileSystem
	}
	if !req.SourceType.Valid() {
		return nil, model.NewValidationError("unknown source type %q", req.SourceType)
	}
	var raw []byte
	switch {
	case req.Content != "":
		raw = []byte(req.Content)
	case len(req.Data) > 0:
		raw = req.Data
	case req.FilePath != "":
		info, err := p.opts.FS.Stat(req.FilePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, model.NewValidationError("file %s does not exist", req.FilePath)
			}
			return nil, model.Wrap(model.ErrStorage, err)
		}
		if info.IsDir() {
			return nil, model.NewValidationError("%s is a directory", req.FilePath)
		}
		if p.opts.MaxDocumentBytes > 0 && info.Size() > p.opts.MaxDocumentBytes {
			return nil, model.NewValidationError("document exceeds %d bytes", p.opts.MaxDocumentBytes)
		}
		raw, err = afero.ReadFile(p.opts.FS, req.FilePath)
		if err != nil {
			return nil, model.Wrap(model.ErrStorage, err)
		}
		if req.ModifiedAt.IsZero() {
			req.ModifiedAt = info.ModTime()
		}
	default:
		return nil, model.NewValidationError("content or filePath is required")
	}
	if p.opts.MaxDocumentBytes > 0 && int64(len(raw)) > p.opts.MaxDocumentBytes {
		return nil, model.NewValidationError("document exceeds %d bytes", p.opts.MaxDocumentBytes)
	}
	return raw, nil
}

// Ingest 执行摄取流程 (a)-(g)。只有内容存储失败才会返回错误，富化阶段的失败记录在 FailedStages 中。
func (p *Processor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	raw, err := p.validate(&req)
	if err != nil {
		return nil, err
	}

	// 步骤a: 规范化并计算哈希
	norm, err := p.normalizer.Normalize(ctx, raw, req.ContentType, req.FilePath)
	if err != nil {
		return nil, err
	}
	log.Debugf("[Pipeline] 步骤a: 规范化完成, path=%s, hash=%s, contentType=%s", req.FilePath, norm.Hash, norm.ContentType)

	identity := Hash(req.FilePath)[:16] + ":" + norm.Hash
	v, err, _ := p.group.Do(identity, func() (interface{}, error) {
		// 结果由所有并发的相同请求共享，不能随第一个调用方的取消而失败
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.IngestTimeout)
		defer cancel()
		return p.ingestOnce(shared, &req, norm, identity)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*IngestResult)
	res.FailedStages = append([]string(nil), res.FailedStages...)
	res.ProcessingTimeMs = time.Since(start).Milliseconds()
	return &res, nil
}

func (p *Processor) ingestOnce(ctx context.Context, req *IngestRequest, norm *Normalized, identity string) (*IngestResult, error) {
	release, err := p.locker.Acquire(ctx, identity)
	if err != nil {
		return nil, &model.StageError{Stage: model.StageDedup, Err: err}
	}
	defer release()

	// 步骤b: 相同路径下相同内容直接返回已有文档
	if existing, err := p.docs.FindByIdentity(ctx, req.FilePath, norm.Hash); err == nil {
		log.Infof("[Pipeline] 步骤b: 内容未变化, 返回已有文档 %s", existing.ID)
		return duplicateResult(existing), nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, &model.StageError{Stage: model.StageDedup, Err: err}
	}

	// 步骤c: 写入内容存储，机密来源强制加密
	encrypt := req.Encrypted || p.confidential[req.SourceType]
	obj, err := util.RetryWithContext(ctx, p.opts.StorageAttempts, p.opts.StorageBackoff, model.IsRetryable,
		func(ctx context.Context) (*content.Object, error) {
			return p.store.Put(ctx, norm.Hash, []byte(norm.Text), norm.ContentType, encrypt)
		})
	if err != nil {
		log.Errorf("[Pipeline] 步骤c: 写入内容存储失败, hash=%s, err=%v", norm.Hash, err)
		return nil, &model.StageError{Stage: model.StageStore, Err: err}
	}

	now := time.Now().UTC()
	modified := req.ModifiedAt
	if modified.IsZero() {
		modified = now
	}
	doc := &model.Document{
		ID:                  uuid.NewString(),
		SourceType:          req.SourceType,
		SourceTag:           req.SourceTag,
		FilePath:            req.FilePath,
		ContentHash:         norm.Hash,
		Title:               titleOf(req, norm.Text),
		ContentType:         norm.ContentType,
		Size:                int64(len(norm.Text)),
		BlobKey:             obj.Key,
		Encrypted:           obj.Encrypted,
		EncryptionAlgorithm: obj.Algorithm,
		EncryptionKDF:       obj.KDF,
		Status:              model.DocumentIndexed,
		Metadata:            req.Metadata,
		IngestedAt:          now,
		ModifiedAt:          modified.UTC(),
	}
	created, err := util.RetryWithContext(ctx, p.opts.StorageAttempts, p.opts.StorageBackoff, model.IsRetryable,
		func(ctx context.Context) (bool, error) {
			return p.docs.Create(ctx, doc)
		})
	if err != nil {
		return nil, &model.StageError{Stage: model.StageStore, Err: err}
	}
	if !created {
		// 其他进程抢先写入，唯一索引保证只有一条记录
		existing, err := p.docs.FindByIdentity(ctx, req.FilePath, norm.Hash)
		if err != nil {
			return nil, &model.StageError{Stage: model.StageDedup, Err: err}
		}
		return duplicateResult(existing), nil
	}
	log.Infof("[Pipeline] 步骤c: 文档已存储, id=%s, encrypted=%t", doc.ID, doc.Encrypted)

	p.supersede(ctx, doc)

	res := &IngestResult{DocumentID: doc.ID, Success: true, Status: model.DocumentIndexed}
	p.enrich(ctx, doc, norm.Text, res)
	if len(res.FailedStages) > 0 {
		res.Status = model.DocumentPartial
		if err := p.docs.UpdateStatus(ctx, doc.ID, model.DocumentPartial, strings.Join(res.FailedStages, ",")); err != nil {
			log.Warnf("[Pipeline] 更新文档 %s 状态失败: %v", doc.ID, err)
		}
	}

	// 步骤g: 发布事件
	p.publish(model.EventDocumentIngested, map[string]interface{}{
		"documentId":   doc.ID,
		"title":        doc.Title,
		"sourceType":   doc.SourceType,
		"filePath":     doc.FilePath,
		"status":       res.Status,
		"failedStages": res.FailedStages,
	})
	log.Infof("[Pipeline] 文档 %s 摄取完成, status=%s, entities=%d, relationships=%d", doc.ID, res.Status, res.Entities, res.Relationships)
	return res, nil
}

// enrich 执行步骤 (d)-(f)。每一步都有超时，失败只记录阶段名，不回滚已存储的内容。
func (p *Processor) enrich(ctx context.Context, doc *model.Document, text string, res *IngestResult) {
	fail := func(stage string, err error) {
		res.FailedStages = append(res.FailedStages, stage)
		log.Warnf("[Pipeline] 文档 %s 阶段 %s 失败: %v", doc.ID, stage, err)
	}

	// 步骤d: 实体抽取
	var extracted *extract.Result
	extractOK := false
	r, err := runStep(ctx, p.opts.StepTimeout, func(ctx context.Context) (*extract.Result, error) {
		return p.extractor.Extract(ctx, text)
	})
	if err != nil {
		fail(model.StageExtract, model.Wrap(model.ErrExtraction, err))
	} else {
		extracted, extractOK = r, true
	}

	// 步骤e: 实体、出现记录和关系
	var names []string
	if !extracted.Empty() {
		counts, err := runStep(ctx, p.opts.StepTimeout, func(ctx context.Context) (graphCounts, error) {
			return p.persistGraph(ctx, doc, extracted)
		})
		if err != nil {
			fail(model.StageGraph, model.Wrap(model.ErrRelationshipBuild, err))
		}
		res.Entities, res.Relationships = counts.entities, counts.edges
		for _, c := range extracted.Entities {
			names = append(names, c.Name)
		}
	}

	// 步骤f: 索引。抽取失败时只索引原文
	idx := search.IndexDoc{
		ID:          doc.ID,
		Title:       doc.Title,
		Text:        text,
		SourceType:  doc.SourceType,
		SourceTag:   doc.SourceTag,
		ContentType: doc.ContentType,
		FilePath:    doc.FilePath,
		Encrypted:   doc.Encrypted,
		IngestedAt:  doc.IngestedAt,
		ModifiedAt:  doc.ModifiedAt,
	}
	if extractOK {
		idx.EntityNames = names
	}
	_, err = runStep(ctx, p.opts.StepTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.index.Upsert(ctx, idx)
	})
	if err != nil {
		fail(model.StageIndex, model.Wrap(model.ErrIndex, err))
	}

	if res.Entities > 0 {
		p.publish(model.EventEntityExtracted, map[string]interface{}{
			"documentId":    doc.ID,
			"entities":      res.Entities,
			"relationships": res.Relationships,
		})
	}
}

type graphCounts struct {
	entities, edges int
}

type stepResult[T any] struct {
	v   T
	err error
}

// runStep 在独立的 goroutine 中执行一个富化步骤。超时后立即返回 ctx 的错误，
// 不再等待不理会 ctx 的步骤；步骤本身在后台结束，结果被丢弃。
func runStep[T any](ctx context.Context, timeout time.Duration, step func(context.Context) (T, error)) (T, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan stepResult[T], 1)
	go func() {
		v, err := step(stepCtx)
		done <- stepResult[T]{v: v, err: err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-stepCtx.Done():
		// 同时就绪时以步骤结果为准
		select {
		case r := <-done:
			return r.v, r.err
		default:
		}
		var zero T
		return zero, stepCtx.Err()
	}
}

func (p *Processor) persistGraph(ctx context.Context, doc *model.Document, extracted *extract.Result) (graphCounts, error) {
	entities, err := p.builder.UpsertEntities(ctx, doc, extracted)
	if err != nil {
		return graphCounts{}, err
	}
	mentions := make([]model.EntityMention, 0, len(extracted.Mentions))
	for _, m := range extracted.Mentions {
		e, ok := entities[m.Key]
		if !ok {
			continue
		}
		mentions = append(mentions, model.EntityMention{
			EntityID:   e.ID,
			DocumentID: doc.ID,
			Start:      m.Start,
			End:        m.End,
			Text:       m.Text,
			Confidence: m.Confidence,
		})
	}
	if err := p.docs.SaveMentions(ctx, doc.ID, mentions); err != nil {
		return graphCounts{entities: len(entities)}, err
	}
	built, err := p.builder.Build(ctx, doc, entities, extracted.Mentions)
	if err != nil {
		return graphCounts{entities: len(entities)}, err
	}
	return graphCounts{entities: len(entities), edges: len(built.Edges)}, nil
}

// supersede 删除同一路径下的旧版本文档，用于文件修改后的重新索引。
func (p *Processor) supersede(ctx context.Context, doc *model.Document) {
	if doc.FilePath == "" {
		return
	}
	olds, err := p.docs.FindByPath(ctx, doc.FilePath)
	if err != nil {
		log.Warnf("[Pipeline] 查询路径 %s 的旧版本失败: %v", doc.FilePath, err)
		return
	}
	for i := range olds {
		// 并发写入同一路径时只删除更早的版本
		if olds[i].ID == doc.ID || olds[i].IngestedAt.After(doc.IngestedAt) {
			continue
		}
		if err := p.remove(ctx, &olds[i]); err != nil {
			log.Warnf("[Pipeline] 删除旧版本 %s 失败: %v", olds[i].ID, err)
			continue
		}
		log.Infof("[Pipeline] 路径 %s 的旧版本 %s 已被 %s 取代", doc.FilePath, olds[i].ID, doc.ID)
	}
}

// Delete 删除文档及其出现记录和索引项，实体和边保留。
func (p *Processor) Delete(ctx context.Context, id string) error {
	doc, err := p.docs.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return p.remove(ctx, doc)
}

// DeleteByPath 删除某个路径下的所有文档，返回删除的数量。
func (p *Processor) DeleteByPath(ctx context.Context, path string) (int, error) {
	docs, err := p.docs.FindByPath(ctx, path)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range docs {
		if err := p.remove(ctx, &docs[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Processor) remove(ctx context.Context, doc *model.Document) error {
	if err := p.index.Remove(ctx, doc.ID); err != nil {
		log.Warnf("[Pipeline] 从索引删除文档 %s 失败: %v", doc.ID, err)
	}
	if err := p.docs.Delete(ctx, doc.ID); err != nil {
		return err
	}
	// 明文对象按内容寻址，可能被其他路径的文档共用
	if n, err := p.docs.CountByBlobKey(ctx, doc.BlobKey); err == nil && n == 0 {
		if err := p.store.Delete(ctx, doc.BlobKey); err != nil {
			log.Warnf("[Pipeline] 删除内容对象 %s 失败: %v", doc.BlobKey, err)
		}
	}
	return nil
}

// RebuildIndex 从内容存储重建检索索引，用于进程启动时恢复内存索引。
func (p *Processor) RebuildIndex(ctx context.Context) (int, error) {
	total := 0
	err := p.docs.Each(ctx, 100, func(batch []model.Document) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.opts.RebuildWorkers)
		for i := range batch {
			doc := &batch[i]
			g.Go(func() error {
				return p.reindex(gctx, doc)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		total += len(batch)
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("rebuild index: %w", err)
	}
	log.Infof("[Pipeline] 索引重建完成, 共 %d 篇文档", total)
	return total, nil
}

func (p *Processor) reindex(ctx context.Context, doc *model.Document) error {
	idx := search.IndexDoc{
		ID:          doc.ID,
		Title:       doc.Title,
		SourceType:  doc.SourceType,
		SourceTag:   doc.SourceTag,
		ContentType: doc.ContentType,
		FilePath:    doc.FilePath,
		Encrypted:   doc.Encrypted,
		IngestedAt:  doc.IngestedAt,
		ModifiedAt:  doc.ModifiedAt,
	}
	data, err := p.store.Get(ctx, doc, true)
	if err != nil {
		// 密钥不可用或对象丢失时仍然按标题索引
		log.Warnf("[Pipeline] 读取文档 %s 内容失败, 仅索引标题: %v", doc.ID, err)
	} else {
		idx.Text = string(data)
	}
	if refs, err := p.docs.EntitiesForDocument(ctx, doc.ID); err == nil {
		for _, r := range refs {
			idx.EntityNames = append(idx.EntityNames, r.Name)
		}
	}
	return p.index.Upsert(ctx, idx)
}

func (p *Processor) publish(kind model.SyncEventKind, payload map[string]interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(model.SyncEvent{Kind: kind, Payload: payload})
}

func duplicateResult(doc *model.Document) *IngestResult {
	var failed []string
	if doc.FailedStages != "" {
		failed = strings.Split(doc.FailedStages, ",")
	}
	return &IngestResult{
		DocumentID:   doc.ID,
		Success:      true,
		Duplicate:    true,
		Status:       doc.Status,
		FailedStages: failed,
	}
}

// titleOf 依次使用请求中的标题、文件名、正文第一行。
func titleOf(req *IngestRequest, text string) string {
	if t := strings.TrimSpace(req.Title); t != "" {
		return t
	}
	if req.FilePath != "" {
		return filepath.Base(req.FilePath)
	}
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) > 80 {
		line = string([]rune(line)[:80])
	}
	if line == "" {
		return "untitled"
	}
	return line
}
