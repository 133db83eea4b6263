package model

import "time"

// ResultKind 区分检索结果的类型。
type ResultKind string

const (
	KindDocument     ResultKind = "document"
	KindEntity       ResultKind = "entity"
	KindRelationship ResultKind = "relationship"
)

// SearchMode 精确或模糊匹配。
type SearchMode string

const (
	SearchExact SearchMode = "exact"
	SearchFuzzy SearchMode = "fuzzy"
)

// SearchResult 是检索结果，不落库。
type SearchResult struct {
	ID       string                 `json:"id"`
	Kind     ResultKind             `json:"type"`
	Title    string                 `json:"title"`
	Snippet  string                 `json:"snippet,omitempty"`
	Score    float64                `json:"score"`
	Source   string                 `json:"source,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TimeRange 是闭区间，零值表示不限制。
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains 判断时间点是否落在区间内。
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// SearchFilters 是检索过滤条件，所有条件都由调用方显式传入。
type SearchFilters struct {
	EntityTypes  []EntityType `json:"entityTypes,omitempty"`
	SourceTypes  []SourceType `json:"sourceTypes,omitempty"`
	ContentTypes []string     `json:"contentTypes,omitempty"`
	TimeRange    TimeRange    `json:"timeRange"`
}

// SearchRequest 是 search.query 的输入。
type SearchRequest struct {
	Query   string        `json:"query"`
	Mode    SearchMode    `json:"mode"`
	Filters SearchFilters `json:"filters"`
	Offset  int           `json:"offset"`
	Limit   int           `json:"limit"`
	// RevealEncrypted 为 true 时加密文档的命中也返回摘要，只能由具备解密权限的调用方设置
	RevealEncrypted bool `json:"-"`
}

// SearchResponse 是 search.query 的输出。
type SearchResponse struct {
	Results      []SearchResult `json:"results"`
	Total        int            `json:"total"`
	HasMore      bool           `json:"hasMore"`
	FallbackMode bool           `json:"fallbackMode,omitempty"`
}
