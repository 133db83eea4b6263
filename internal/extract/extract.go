// Package extract 从文档文本中抽取实体及其出现位置。
package extract

import (
	"context"
	"sort"
	"strings"

	"pkm-engine/internal/model"
)

// Mention 是实体在文本中的一次出现，Start/End 为字节偏移。
type Mention struct {
	Key        string           `json:"key"`
	Type       model.EntityType `json:"type"`
	Name       string           `json:"name"`
	Start      int              `json:"start"`
	End        int              `json:"end"`
	Text       string           `json:"text"`
	Confidence float64          `json:"confidence"`
}

// Candidate 是去重后的候选实体，节点 ID 由图存储分配。
type Candidate struct {
	Key        string           `json:"key"`
	Type       model.EntityType `json:"type"`
	Name       string           `json:"name"`
	Normalized string           `json:"normalized"`
	Confidence float64          `json:"confidence"`
}

// Result 是一次抽取的结果，Mentions 按 Start 升序。
type Result struct {
	Entities []Candidate `json:"entities"`
	Mentions []Mention   `json:"mentions"`
}

// Empty 表示没有抽取到任何实体。
func (r *Result) Empty() bool {
	return r == nil || len(r.Mentions) == 0
}

// Extractor 抽取实体。空文本返回空结果，不返回错误。
type Extractor interface {
	Extract(ctx context.Context, text string) (*Result, error)
}

// Key 返回实体的去重键。
func Key(t model.EntityType, normalized string) string {
	return string(t) + ":" + normalized
}

// Normalize 返回用于去重的规范化名称。
func Normalize(t model.EntityType, name string) string {
	n := strings.Join(strings.Fields(name), " ")
	n = strings.ToLower(n)
	switch t {
	case model.EntityURL:
		n = strings.TrimRight(n, "/")
	case model.EntityPerson, model.EntityOrganization, model.EntityLocation, model.EntityProject:
		n = strings.Trim(n, ".,;:'\"")
	}
	return n
}

func newMention(t model.EntityType, name, text string, start, end int, conf float64) Mention {
	return Mention{
		Key:        Key(t, Normalize(t, name)),
		Type:       t,
		Name:       name,
		Start:      start,
		End:        end,
		Text:       text[start:end],
		Confidence: conf,
	}
}

// resolve 去掉重叠的出现：置信度高的优先，其次是更长的片段，再其次是更靠前的位置。
func resolve(spans []Mention) []Mention {
	sorted := make([]Mention, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	var kept []Mention
	for _, m := range sorted {
		overlaps := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// build 由出现列表生成结果，实体按首次出现排序。
func build(spans []Mention) *Result {
	res := &Result{Mentions: resolve(spans)}
	idx := make(map[string]int)
	for _, m := range res.Mentions {
		if i, ok := idx[m.Key]; ok {
			if m.Confidence > res.Entities[i].Confidence {
				res.Entities[i].Confidence = m.Confidence
			}
			continue
		}
		idx[m.Key] = len(res.Entities)
		res.Entities = append(res.Entities, Candidate{
			Key:        m.Key,
			Type:       m.Type,
			Name:       m.Name,
			Normalized: Normalize(m.Type, m.Name),
			Confidence: m.Confidence,
		})
	}
	return res
}
