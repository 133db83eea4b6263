package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"pkm-engine/internal/config"
	"pkm-engine/internal/model"
	"pkm-engine/internal/repository"
	"pkm-engine/internal/search"
	"pkm-engine/pkg/log"
)

// SearchService 定义了检索和联想操作。
type SearchService interface {
	Query(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error)
	Suggest(ctx context.Context, prefix string, history []string, limit int) ([]string, error)
}

type searchService struct {
	index   search.Index
	docs    repository.DocumentRepository
	graph   repository.GraphRepository
	queries *search.QueryLog
	cfg     config.SearchConfig
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(index search.Index, docs repository.DocumentRepository, graph repository.GraphRepository, cfg config.SearchConfig) SearchService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.SuggestLimit <= 0 {
		cfg.SuggestLimit = 10
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = string(model.SearchFuzzy)
	}
	return &searchService{
		index:   index,
		docs:    docs,
		graph:   graph,
		queries: search.NewQueryLog(cfg.HistorySize),
		cfg:     cfg,
	}
}

func (s *searchService) normalize(req *model.SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return model.NewValidationError("query must not be empty")
	}
	if req.Mode == "" {
		req.Mode = model.SearchMode(s.cfg.DefaultMode)
	}
	if req.Mode != model.SearchExact && req.Mode != model.SearchFuzzy {
		return model.NewValidationError("unknown search mode %q", req.Mode)
	}
	if req.Offset < 0 || req.Limit < 0 {
		return model.NewValidationError("offset and limit must not be negative")
	}
	if req.Limit == 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	req.Limit = min(req.Limit, s.cfg.MaxLimit)
	for _, st := range req.Filters.SourceTypes {
		if !st.Valid() {
			return model.NewValidationError("unknown source type %q", st)
		}
	}
	tr := req.Filters.TimeRange
	if !tr.From.IsZero() && !tr.To.IsZero() && tr.To.Before(tr.From) {
		return model.NewValidationError("time range end is before start")
	}
	return nil
}

// Query 在文档索引和图存储中检索，合并排序后分页。
// 图存储不可用时只返回文档结果，并设置 FallbackMode。
func (s *searchService) Query(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}
	s.queries.Add(req.Query)
	window := req.Offset + req.Limit
	resp := &model.SearchResponse{}

	q := search.Query{
		Text:         req.Query,
		Mode:         req.Mode,
		SourceTypes:  req.Filters.SourceTypes,
		ContentTypes: req.Filters.ContentTypes,
		TimeRange:    req.Filters.TimeRange,
		Size:         window,
	}
	if len(req.Filters.EntityTypes) > 0 {
		ids, err := s.docs.DocumentIDsWithEntityTypes(ctx, req.Filters.EntityTypes)
		if err != nil {
			log.Warnf("[SearchService] 按实体类型过滤失败, 进入降级模式: %v", err)
			resp.FallbackMode = true
		} else {
			q.DocumentIDs = make([]string, 0, len(ids))
			for id := range ids {
				q.DocumentIDs = append(q.DocumentIDs, id)
			}
		}
	}

	hits, err := s.index.Search(ctx, q)
	if err != nil {
		return nil, model.Wrap(model.ErrIndex, err)
	}
	results := make([]model.SearchResult, 0, len(hits.Hits))
	for _, h := range hits.Hits {
		snippet := h.Snippet
		if h.Encrypted && !req.RevealEncrypted {
			snippet = ""
		}
		results = append(results, model.SearchResult{
			ID:      h.ID,
			Kind:    model.KindDocument,
			Title:   h.Title,
			Snippet: snippet,
			Score:   h.Score,
			Source:  string(h.SourceType),
			Metadata: map[string]interface{}{
				"contentType": h.ContentType,
				"filePath":    h.FilePath,
				"ingestedAt":  h.IngestedAt,
				"encrypted":   h.Encrypted,
			},
		})
	}
	total := hits.Total

	// 实体和关系没有来源、内容类型属性，这两类过滤只作用于文档
	if !resp.FallbackMode && len(req.Filters.SourceTypes) == 0 && len(req.Filters.ContentTypes) == 0 {
		graphResults, graphTotal, err := s.queryGraph(ctx, &req, window)
		if err != nil {
			log.Warnf("[SearchService] 图存储查询失败, 进入降级模式: %v", err)
			resp.FallbackMode = true
		} else {
			results = append(results, graphResults...)
			total += graphTotal
		}
	}

	search.Rank(req.Query, results)
	page := []model.SearchResult{}
	if req.Offset < len(results) {
		page = results[req.Offset:min(len(results), window)]
	}
	resp.Results = page
	resp.Total = total
	resp.HasMore = req.Offset+len(page) < total
	return resp, nil
}

// queryGraph 返回按名称匹配的实体，以及与这些实体相连的关系。
func (s *searchService) queryGraph(ctx context.Context, req *model.SearchRequest, window int) ([]model.SearchResult, int, error) {
	matched, err := s.matchEntities(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", model.ErrGraphUnavailable, err)
	}

	var out []model.SearchResult
	scores := make(map[string]float64, len(matched))
	ids := make([]string, 0, len(matched))
	entityTotal := 0
	for _, m := range matched {
		if !req.Filters.TimeRange.Contains(m.entity.CreatedAt) {
			continue
		}
		entityTotal++
		scores[m.entity.ID] = m.score
		ids = append(ids, m.entity.ID)
		out = append(out, model.SearchResult{
			ID:     m.entity.ID,
			Kind:   model.KindEntity,
			Title:  m.entity.Name,
			Score:  m.score,
			Source: string(m.entity.Type),
			Metadata: map[string]interface{}{
				"entityType": m.entity.Type,
				"confidence": m.entity.Confidence,
			},
		})
	}
	if len(ids) == 0 {
		return out, entityTotal, nil
	}

	rels, err := s.graph.Neighborhood(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", model.ErrGraphUnavailable, err)
	}
	endpoints := make([]string, 0, len(rels)*2)
	for _, r := range rels {
		endpoints = append(endpoints, r.SourceID, r.TargetID)
	}
	names, err := s.graph.EntitiesByIDs(ctx, endpoints)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", model.ErrGraphUnavailable, err)
	}

	relTotal := 0
	var relResults []model.SearchResult
	for _, r := range rels {
		if !req.Filters.TimeRange.Contains(r.UpdatedAt) {
			continue
		}
		relTotal++
		score := math.Max(scores[r.SourceID], scores[r.TargetID]) * r.Strength
		relResults = append(relResults, model.SearchResult{
			ID:      r.ID,
			Kind:    model.KindRelationship,
			Title:   fmt.Sprintf("%s -[%s]-> %s", names[r.SourceID].Name, r.Type, names[r.TargetID].Name),
			Score:   math.Round(score*1e6) / 1e6,
			Source:  r.Type,
			Metadata: map[string]interface{}{
				"sourceId": r.SourceID,
				"targetId": r.TargetID,
				"strength": r.Strength,
			},
		})
	}
	// 关系可能很多，只保留分页窗口内可能出现的部分；截断前按最终排序规则排序
	search.Rank(req.Query, relResults)
	if len(relResults) > window {
		relResults = relResults[:window]
	}
	return append(out, relResults...), entityTotal + relTotal, nil
}

type entityMatch struct {
	entity model.Entity
	score  float64
}

// matchEntities 精确模式要求整个查询串是实体名的子串；模糊模式还接受任一查询词命中。
// 数据库按名称排序，与打分顺序无关，所以取回全部命中后再打分，分页由调用方在排序后进行。
func (s *searchService) matchEntities(ctx context.Context, req *model.SearchRequest) ([]entityMatch, error) {
	best := make(map[string]entityMatch)
	collect := func(query string, weight float64) error {
		ents, err := s.graph.SearchEntities(ctx, query, req.Filters.EntityTypes, 0)
		if err != nil {
			return err
		}
		for _, e := range ents {
			sc := entityScore(query, e.NormalizedName) * weight
			if cur, ok := best[e.ID]; !ok || sc > cur.score {
				best[e.ID] = entityMatch{entity: e, score: sc}
			}
		}
		return nil
	}

	if err := collect(req.Query, 1); err != nil {
		return nil, err
	}
	if req.Mode == model.SearchFuzzy {
		for _, tok := range search.Tokenize(req.Query) {
			if utf8.RuneCountInString(tok) < 3 || tok == strings.ToLower(req.Query) {
				continue
			}
			if err := collect(tok, 0.6); err != nil {
				return nil, err
			}
		}
	}

	out := make([]entityMatch, 0, len(best))
	for _, m := range best {
		m.score = math.Round(m.score*1e6) / 1e6
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].entity.ID < out[j].entity.ID
	})
	return out, nil
}

// entityScore: 名称与查询完全相同为 1，否则按查询占名称的比例落在 (0.5, 0.9]。
func entityScore(query, normalized string) float64 {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if q == normalized {
		return 1
	}
	n := utf8.RuneCountInString(normalized)
	if n == 0 {
		return 0
	}
	return 0.5 + 0.4*float64(utf8.RuneCountInString(q))/float64(n)
}

// Suggest 合并调用方历史、服务端最近查询、实体名称和索引词条。
func (s *searchService) Suggest(ctx context.Context, prefix string, history []string, limit int) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []string{}, nil
	}
	if limit <= 0 || limit > s.cfg.SuggestLimit {
		limit = s.cfg.SuggestLimit
	}

	var entityNames []string
	if ents, err := s.graph.SearchEntities(ctx, prefix, nil, limit*4); err != nil {
		log.Warnf("[SearchService] 联想读取实体失败: %v", err)
	} else {
		for _, e := range ents {
			entityNames = append(entityNames, e.Name)
		}
	}
	terms, err := s.index.Terms(ctx, prefix, limit)
	if err != nil {
		log.Warnf("[SearchService] 联想读取索引词条失败: %v", err)
	}
	return search.Suggest(prefix, limit, history, s.queries.Recent(), entityNames, terms), nil
}
