// Package graph 根据实体在文档中的共现关系构建知识图谱的边。
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"pkm-engine/internal/extract"
	"pkm-engine/internal/model"
	"pkm-engine/internal/repository"
	"pkm-engine/pkg/log"
)

// Policy 决定同一对实体有多种候选关系类型时如何取舍。
type Policy string

const (
	// PolicyMostSpecific 每对实体只保留优先级最高的类型：声明 > relates_to > mentions。
	PolicyMostSpecific Policy = "most_specific"
	// PolicyAll 保留所有适用的类型。
	PolicyAll Policy = "all"
)

// 全局作用域下实体跨来源合并；source_type 作用域下按来源隔离。
const (
	ScopeGlobal     = "global"
	ScopeSourceType = "source_type"
)

// 只在前若干个实体之间生成文档级 mentions 边，避免大文档产生 O(n²) 条边。
const maxFallbackEntities = 50

// Options 是关系构建的参数。
type Options struct {
	Policy          Policy
	EntityScope     string
	InitialStrength float64
	Increment       float64
	Window          int // 共现窗口，字节
}

// Builder 负责实体落库和关系推导。
type Builder struct {
	repo repository.GraphRepository
	opts Options
}

func NewBuilder(repo repository.GraphRepository, opts Options) *Builder {
	if opts.Policy == "" {
		opts.Policy = PolicyMostSpecific
	}
	if opts.InitialStrength <= 0 {
		opts.InitialStrength = 0.1
	}
	if opts.Increment <= 0 {
		opts.Increment = 0.1
	}
	if opts.Window <= 0 {
		opts.Window = 200
	}
	return &Builder{repo: repo, opts: opts}
}

// DeclaredRelation 是文档元数据 relationships 字段中声明的关系，按实体名称引用。
type DeclaredRelation struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// BuildResult 汇总一次构建的结果。
type BuildResult struct {
	Created      int                       `json:"created"`
	Strengthened int                       `json:"strengthened"`
	Edges        []model.GraphRelationship `json:"edges"`
}

func (b *Builder) scopeFor(doc *model.Document) string {
	if b.opts.EntityScope == ScopeSourceType {
		return string(doc.SourceType)
	}
	return ""
}

// UpsertEntities 把候选实体写入图存储，返回 候选键 -> 已存储实体。
func (b *Builder) UpsertEntities(ctx context.Context, doc *model.Document, res *extract.Result) (map[string]*model.Entity, error) {
	out := make(map[string]*model.Entity, len(res.Entities))
	scope := b.scopeFor(doc)
	for _, c := range res.Entities {
		conf := c.Confidence
		stored, err := b.repo.UpsertEntity(ctx, &model.Entity{
			Type:           c.Type,
			Name:           c.Name,
			NormalizedName: c.Normalized,
			Scope:          scope,
			Confidence:     &conf,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert entity %s: %w", c.Key, err)
		}
		out[c.Key] = stored
	}
	return out, nil
}

type edgeKey struct {
	source, target, typ string
}

type pairKey struct {
	a, b string
}

func pairOf(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// 候选边的优先级，数值越小越优先
const (
	rankDeclared = iota
	rankRelatesTo
	rankMentions
)

type candidate struct {
	edge edgeKey
	rank int
}

// Build 根据本文档的实体和出现位置推导边，并以原子 upsert 写入图存储。
func (b *Builder) Build(ctx context.Context, doc *model.Document, entities map[string]*model.Entity, mentions []extract.Mention) (*BuildResult, error) {
	var ids []string
	seen := make(map[string]bool)
	// 按首次出现顺序
	for _, m := range mentions {
		e, ok := entities[m.Key]
		if !ok || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		ids = append(ids, e.ID)
	}
	if len(ids) < 2 && len(declaredRelations(doc)) == 0 {
		return &BuildResult{}, nil
	}

	byPair := make(map[pairKey][]candidate)
	add := func(c candidate) {
		p := pairOf(c.edge.source, c.edge.target)
		byPair[p] = append(byPair[p], c)
	}

	for _, d := range declaredRelations(doc) {
		src, dst := lookupByName(entities, d.Source), lookupByName(entities, d.Target)
		if src == nil || dst == nil || src.ID == dst.ID {
			log.Warnf("[GraphBuilder] 文档 %s 声明的关系 %s -[%s]-> %s 找不到对应实体，已忽略", doc.ID, d.Source, d.Type, d.Target)
			continue
		}
		add(candidate{edge: edgeKey{source: src.ID, target: dst.ID, typ: d.Type}, rank: rankDeclared})
	}

	for i := 0; i < len(mentions); i++ {
		ei, ok := entities[mentions[i].Key]
		if !ok {
			continue
		}
		for j := i + 1; j < len(mentions); j++ {
			if mentions[j].Start-mentions[i].End > b.opts.Window {
				break
			}
			ej, ok := entities[mentions[j].Key]
			if !ok || ej.ID == ei.ID {
				continue
			}
			p := pairOf(ei.ID, ej.ID)
			add(candidate{edge: edgeKey{source: p.a, target: p.b, typ: model.RelationRelatesTo}, rank: rankRelatesTo})
		}
	}

	fallback := ids
	if len(fallback) > maxFallbackEntities {
		fallback = fallback[:maxFallbackEntities]
	}
	for i := 0; i < len(fallback); i++ {
		for j := i + 1; j < len(fallback); j++ {
			p := pairOf(fallback[i], fallback[j])
			add(candidate{edge: edgeKey{source: p.a, target: p.b, typ: model.RelationMentions}, rank: rankMentions})
		}
	}

	chosen := b.choose(byPair)
	return b.persist(ctx, doc, ids, chosen)
}

// choose 按策略从每对实体的候选中选出要写入的边。
func (b *Builder) choose(byPair map[pairKey][]candidate) []edgeKey {
	var out []edgeKey
	for _, cands := range byPair {
		uniq := make(map[edgeKey]int)
		for _, c := range cands {
			if r, ok := uniq[c.edge]; !ok || c.rank < r {
				uniq[c.edge] = c.rank
			}
		}
		list := make([]candidate, 0, len(uniq))
		for e, r := range uniq {
			list = append(list, candidate{edge: e, rank: r})
		}
		sort.Slice(list, func(i, j int) bool { return lessCandidate(list[i], list[j]) })

		if b.opts.Policy == PolicyAll {
			for _, c := range list {
				out = append(out, c.edge)
			}
			continue
		}
		out = append(out, list[0].edge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].source != out[j].source {
			return out[i].source < out[j].source
		}
		if out[i].target != out[j].target {
			return out[i].target < out[j].target
		}
		return out[i].typ < out[j].typ
	})
	return out
}

func isDefaultType(t string) bool {
	return t == model.RelationRelatesTo || t == model.RelationMentions
}

// lessCandidate: 优先级高者在前；同为声明关系时非默认类型优先，再按类型名排序。
func lessCandidate(x, y candidate) bool {
	if x.rank != y.rank {
		return x.rank < y.rank
	}
	if dx, dy := isDefaultType(x.edge.typ), isDefaultType(y.edge.typ); dx != dy {
		return !dx
	}
	if x.edge.typ != y.edge.typ {
		return x.edge.typ < y.edge.typ
	}
	if x.edge.source != y.edge.source {
		return x.edge.source < y.edge.source
	}
	return x.edge.target < y.edge.target
}

func (b *Builder) persist(ctx context.Context, doc *model.Document, ids []string, edges []edgeKey) (*BuildResult, error) {
	res := &BuildResult{}
	if len(edges) == 0 {
		return res, nil
	}
	// 只用于统计新建/加强的数量，强度更新本身由 upsert 原子完成
	existing := make(map[edgeKey]bool)
	if neighborhood, err := b.repo.Neighborhood(ctx, ids); err == nil {
		for _, r := range neighborhood {
			existing[edgeKey{source: r.SourceID, target: r.TargetID, typ: r.Type}] = true
		}
	}

	for _, e := range edges {
		stored, err := b.repo.UpsertRelationship(ctx, &model.GraphRelationship{
			SourceID:   e.source,
			TargetID:   e.target,
			Type:       e.typ,
			Strength:   b.opts.InitialStrength,
			Properties: map[string]interface{}{"firstDocumentId": doc.ID},
		}, b.opts.Increment)
		if err != nil {
			return res, model.Wrap(model.ErrRelationshipBuild, err)
		}
		if existing[e] {
			res.Strengthened++
		} else {
			res.Created++
		}
		res.Edges = append(res.Edges, *stored)
	}
	return res, nil
}

// declaredRelations 解析 Metadata["relationships"]，格式错误的条目被忽略。
func declaredRelations(doc *model.Document) []DeclaredRelation {
	raw, ok := doc.Metadata["relationships"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []DeclaredRelation
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		src, _ := m["source"].(string)
		dst, _ := m["target"].(string)
		typ, _ := m["type"].(string)
		typ = strings.TrimSpace(typ)
		if src == "" || dst == "" || typ == "" {
			continue
		}
		out = append(out, DeclaredRelation{Source: src, Target: dst, Type: typ})
	}
	return out
}

// lookupByName 按规范化名称在本文档的实体中查找，名称相同的多种类型取第一个。
func lookupByName(entities map[string]*model.Entity, name string) *model.Entity {
	want := strings.ToLower(strings.Join(strings.Fields(name), " "))
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if entities[k].NormalizedName == want {
			return entities[k]
		}
	}
	return nil
}
