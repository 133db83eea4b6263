package search

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"pkm-engine/internal/model"
)

// roundScore 把分数保留 6 位小数，使"分数相同"的比较有意义。
func roundScore(s float64) float64 {
	return math.Round(s*1e6) / 1e6
}

// normalizeScore 把 BM25 原始分数映射到 (0,1]。
func normalizeScore(raw float64) float64 {
	if raw <= 0 {
		return 0
	}
	s := roundScore(raw / (raw + 1))
	if s == 0 {
		s = 1e-6
	}
	return s
}

type rankKey struct {
	score float64
	title string
	id    string
}

// less 实现排序规则：分数降序；分数相同时标题包含查询串的在前；再按标题长度升序；最后按 ID。
func less(query string, a, b rankKey) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		ca := strings.Contains(strings.ToLower(a.title), q)
		cb := strings.Contains(strings.ToLower(b.title), q)
		if ca != cb {
			return ca
		}
	}
	la, lb := utf8.RuneCountInString(a.title), utf8.RuneCountInString(b.title)
	if la != lb {
		return la < lb
	}
	return a.id < b.id
}

// Rank 按排序规则对检索结果原地排序。
func Rank(query string, results []model.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return less(query,
			rankKey{score: results[i].Score, title: results[i].Title, id: string(results[i].Kind) + ":" + results[i].ID},
			rankKey{score: results[j].Score, title: results[j].Title, id: string(results[j].Kind) + ":" + results[j].ID})
	})
}

func rankHits(query string, hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		return less(query,
			rankKey{score: hits[i].Score, title: hits[i].Title, id: hits[i].ID},
			rankKey{score: hits[j].Score, title: hits[j].Title, id: hits[j].ID})
	})
}
