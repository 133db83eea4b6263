package service

import (
	"context"

	"pkm-engine/internal/model"
	"pkm-engine/internal/repository"
	"pkm-engine/pkg/log"
)

// EntityList 是 graph.nodes 的返回值。
type EntityList struct {
	Nodes []model.Entity `json:"nodes"`
	Total int64          `json:"total"`
}

// GraphService 提供知识图谱的只读查询和节点删除。
type GraphService interface {
	Nodes(ctx context.Context, filter model.NodeFilter) (*EntityList, error)
	Edges(ctx context.Context, filter model.EdgeFilter) ([]model.GraphRelationship, error)
	DeleteNode(ctx context.Context, id string) error
}

type graphService struct {
	graph    repository.GraphRepository
	maxLimit int
}

func NewGraphService(graph repository.GraphRepository, maxLimit int) GraphService {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &graphService{graph: graph, maxLimit: maxLimit}
}

func (s *graphService) clampLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, model.NewValidationError("limit must not be negative")
	}
	if limit == 0 || limit > s.maxLimit {
		return s.maxLimit, nil
	}
	return limit, nil
}

func (s *graphService) Nodes(ctx context.Context, filter model.NodeFilter) (*EntityList, error) {
	limit, err := s.clampLimit(filter.Limit)
	if err != nil {
		return nil, err
	}
	if filter.Offset < 0 {
		return nil, model.NewValidationError("offset must not be negative")
	}
	filter.Limit = limit
	nodes, total, err := s.graph.ListEntities(ctx, filter)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []model.Entity{}
	}
	return &EntityList{Nodes: nodes, Total: total}, nil
}

func (s *graphService) Edges(ctx context.Context, filter model.EdgeFilter) ([]model.GraphRelationship, error) {
	limit, err := s.clampLimit(filter.Limit)
	if err != nil {
		return nil, err
	}
	if filter.MinStrength < 0 || filter.MinStrength > 1 {
		return nil, model.NewValidationError("minStrength must be within [0,1]")
	}
	filter.Limit = limit
	edges, err := s.graph.ListRelationships(ctx, filter)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []model.GraphRelationship{}
	}
	return edges, nil
}

// DeleteNode 删除实体及其边和出现记录，提到它的文档保留。
func (s *graphService) DeleteNode(ctx context.Context, id string) error {
	if err := s.graph.DeleteEntity(ctx, id); err != nil {
		return err
	}
	log.Infof("[GraphService] 已删除实体 %s", id)
	return nil
}
