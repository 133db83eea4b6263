// Package search 维护文档正文和实体名称的倒排索引，并负责结果排序与联想。
package search

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"pkm-engine/internal/model"
)

// IndexDoc 是写入索引的一篇文档。
type IndexDoc struct {
	ID          string           `json:"document_id"`
	Title       string           `json:"title"`
	Text        string           `json:"text_content"`
	EntityNames []string         `json:"entity_names,omitempty"`
	SourceType  model.SourceType `json:"source_type"`
	SourceTag   string           `json:"source_tag,omitempty"`
	ContentType string           `json:"content_type"`
	FilePath    string           `json:"file_path,omitempty"`
	Encrypted   bool             `json:"encrypted,omitempty"`
	IngestedAt  time.Time        `json:"ingested_at"`
	ModifiedAt  time.Time        `json:"modified_at"`
}

// Query 是对索引的一次查询。DocumentIDs 非 nil 时只在这些文档中检索。
type Query struct {
	Text         string
	Mode         model.SearchMode
	SourceTypes  []model.SourceType
	ContentTypes []string
	TimeRange    model.TimeRange
	DocumentIDs  []string
	// Size 是最多返回的命中数，0 表示不限制；Total 不受影响
	Size int
}

// Hit 是一条文档命中，Score 在 (0,1] 之间。加密文档的 Snippet 可能为空，由调用方决定是否展示。
type Hit struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Snippet     string           `json:"snippet"`
	Score       float64          `json:"score"`
	SourceType  model.SourceType `json:"sourceType"`
	ContentType string           `json:"contentType"`
	FilePath    string           `json:"filePath,omitempty"`
	Encrypted   bool             `json:"encrypted,omitempty"`
	IngestedAt  time.Time        `json:"ingestedAt"`
}

// Hits 是查询结果，按 Score 降序。
type Hits struct {
	Hits  []Hit
	Total int
}

// Index 是检索后端。实现必须可以被多个流水线并发调用。
type Index interface {
	Upsert(ctx context.Context, doc IndexDoc) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, q Query) (*Hits, error)
	Terms(ctx context.Context, prefix string, limit int) ([]string, error)
	Ping(ctx context.Context) error
}

// Tokenize 把文本切成小写的字母数字词元。
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Snippet 截取文本中第一个命中词元附近的 maxRunes 个字符。
func Snippet(text string, tokens []string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	// 逐字符转小写，保证与 text 的字符下标一致
	lower := strings.Map(unicode.ToLower, text)
	at := -1
	for _, tok := range tokens {
		if i := strings.Index(lower, tok); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	runes := []rune(text)
	start := 0
	if at > 0 {
		start = utf8.RuneCountInString(lower[:at])
		start -= maxRunes / 4
		if start < 0 {
			start = 0
		}
	}
	end := min(start+maxRunes, len(runes))
	if end-start < maxRunes {
		start = max(0, end-maxRunes)
	}
	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}

func matchesFilters(doc *IndexDoc, q *Query) bool {
	if len(q.SourceTypes) > 0 && !containsSource(q.SourceTypes, doc.SourceType) {
		return false
	}
	if len(q.ContentTypes) > 0 && !containsFold(q.ContentTypes, doc.ContentType) {
		return false
	}
	if !q.TimeRange.From.IsZero() || !q.TimeRange.To.IsZero() {
		if !q.TimeRange.Contains(doc.IngestedAt) && !q.TimeRange.Contains(doc.ModifiedAt) {
			return false
		}
	}
	return true
}

func containsSource(list []model.SourceType, s model.SourceType) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
