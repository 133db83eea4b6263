package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"pkm-engine/internal/model"
)

// BM25 参数
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// 模糊匹配时不同匹配方式的权重
const (
	weightExact  = 1.0
	weightPrefix = 0.8
	weightEdit   = 0.6
)

type memEntry struct {
	doc    IndexDoc
	length int
	terms  map[string]int
}

// MemoryIndex 是进程内的倒排索引：词元 -> 文档 -> 词频。
type MemoryIndex struct {
	mu           sync.RWMutex
	docs         map[string]*memEntry
	postings     map[string]map[string]int
	totalLen     int
	snippetRunes int
}

func NewMemoryIndex(snippetRunes int) *MemoryIndex {
	return &MemoryIndex{
		docs:         make(map[string]*memEntry),
		postings:     make(map[string]map[string]int),
		snippetRunes: snippetRunes,
	}
}

// Upsert 写入文档，已存在则整体替换。
func (m *MemoryIndex) Upsert(_ context.Context, doc IndexDoc) error {
	terms := make(map[string]int)
	length := 0
	// 标题词元计两次
	for _, field := range []string{doc.Title, doc.Title, doc.Text, strings.Join(doc.EntityNames, " ")} {
		for _, tok := range Tokenize(field) {
			terms[tok]++
			length++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(doc.ID)
	m.docs[doc.ID] = &memEntry{doc: doc, length: length, terms: terms}
	m.totalLen += length
	for term, tf := range terms {
		p, ok := m.postings[term]
		if !ok {
			p = make(map[string]int)
			m.postings[term] = p
		}
		p[doc.ID] = tf
	}
	return nil
}

// Remove 删除文档，不存在时什么也不做。
func (m *MemoryIndex) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
	return nil
}

func (m *MemoryIndex) removeLocked(id string) {
	e, ok := m.docs[id]
	if !ok {
		return
	}
	for term := range e.terms {
		p := m.postings[term]
		delete(p, id)
		if len(p) == 0 {
			delete(m.postings, term)
		}
	}
	m.totalLen -= e.length
	delete(m.docs, id)
}

// Len 返回索引中的文档数。
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

type termMatch struct {
	term   string
	weight float64
}

// expand 找出与查询词元匹配的索引词元。
func (m *MemoryIndex) expand(tok string, mode model.SearchMode) []termMatch {
	if _, ok := m.postings[tok]; ok && mode != model.SearchFuzzy {
		return []termMatch{{term: tok, weight: weightExact}}
	}
	if mode != model.SearchFuzzy {
		return nil
	}
	maxEdits := 1
	if len([]rune(tok)) >= 8 {
		maxEdits = 2
	}
	var out []termMatch
	for term := range m.postings {
		switch {
		case term == tok:
			out = append(out, termMatch{term: term, weight: weightExact})
		case strings.HasPrefix(term, tok):
			out = append(out, termMatch{term: term, weight: weightPrefix})
		case withinEdits(tok, term, maxEdits):
			out = append(out, termMatch{term: term, weight: weightEdit})
		}
	}
	return out
}

// Search 精确模式下每个查询词元都必须命中；模糊模式下命中任一词元即可。
func (m *MemoryIndex) Search(_ context.Context, q Query) (*Hits, error) {
	tokens := uniqueTokens(q.Text)
	if len(tokens) == 0 {
		return &Hits{}, nil
	}
	var allowed map[string]bool
	if q.DocumentIDs != nil {
		allowed = make(map[string]bool, len(q.DocumentIDs))
		for _, id := range q.DocumentIDs {
			allowed[id] = true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	n := float64(len(m.docs))
	if n == 0 {
		return &Hits{}, nil
	}
	avgLen := float64(m.totalLen) / n

	scores := make(map[string]float64)
	matched := make(map[string]int)
	for _, tok := range tokens {
		best := make(map[string]float64)
		for _, tm := range m.expand(tok, q.Mode) {
			p := m.postings[tm.term]
			df := float64(len(p))
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			for id, tf := range p {
				if allowed != nil && !allowed[id] {
					continue
				}
				dl := float64(m.docs[id].length)
				s := tm.weight * idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*(1-bm25B+bm25B*dl/avgLen))
				if s > best[id] {
					best[id] = s
				}
			}
		}
		for id, s := range best {
			scores[id] += s
			matched[id]++
		}
	}

	var hits []Hit
	for id, raw := range scores {
		if q.Mode != model.SearchFuzzy && matched[id] < len(tokens) {
			continue
		}
		e := m.docs[id]
		if !matchesFilters(&e.doc, &q) {
			continue
		}
		hits = append(hits, Hit{
			ID:          id,
			Title:       e.doc.Title,
			Snippet:     Snippet(e.doc.Text, tokens, m.snippetRunes),
			Score:       normalizeScore(raw),
			SourceType:  e.doc.SourceType,
			ContentType: e.doc.ContentType,
			FilePath:    e.doc.FilePath,
			Encrypted:   e.doc.Encrypted,
			IngestedAt:  e.doc.IngestedAt,
		})
	}
	rankHits(q.Text, hits)
	total := len(hits)
	if q.Size > 0 && len(hits) > q.Size {
		hits = hits[:q.Size]
	}
	return &Hits{Hits: hits, Total: total}, nil
}

// Terms 返回以 prefix 开头的索引词元，文档频率高的在前。
func (m *MemoryIndex) Terms(_ context.Context, prefix string, limit int) ([]string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, nil
	}
	m.mu.RLock()
	type tf struct {
		term string
		df   int
	}
	var found []tf
	for term, p := range m.postings {
		if strings.HasPrefix(term, prefix) {
			found = append(found, tf{term: term, df: len(p)})
		}
	}
	m.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].df != found[j].df {
			return found[i].df > found[j].df
		}
		return found[i].term < found[j].term
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.term
	}
	return out, nil
}

func (m *MemoryIndex) Ping(context.Context) error { return nil }

func uniqueTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Tokenize(text) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// withinEdits 判断 a、b 的编辑距离是否不超过 k。
func withinEdits(a, b string, k int) bool {
	ra, rb := []rune(a), []rune(b)
	if d := len(ra) - len(rb); d > k || -d > k {
		return false
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, cur[j])
		}
		if rowMin > k {
			return false
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)] <= k
}
