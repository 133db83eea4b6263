package search

import (
	"context"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"pkm-engine/internal/model"
	"pkm-engine/pkg/es"
)

// ES 单次查询能取回的最大窗口
const esMaxWindow = 10000

// ElasticIndex 把索引放在 Elasticsearch 中，适合多实例部署。
type ElasticIndex struct {
	client       *elasticsearch.Client
	index        string
	snippetRunes int
}

func NewElasticIndex(client *elasticsearch.Client, index string, snippetRunes int) *ElasticIndex {
	return &ElasticIndex{client: client, index: index, snippetRunes: snippetRunes}
}

// esDocument 是写入 ES 的文档。加密文档的正文只进 sealed_text，该字段可检索但不出现在 _source 中。
type esDocument struct {
	IndexDoc
	SealedText string `json:"sealed_text,omitempty"`
}

func toESDocument(doc IndexDoc) esDocument {
	out := esDocument{IndexDoc: doc}
	if doc.Encrypted {
		out.SealedText, out.Text = doc.Text, ""
	}
	return out
}

func (e *ElasticIndex) Upsert(ctx context.Context, doc IndexDoc) error {
	if err := es.IndexDocument(ctx, e.client, e.index, doc.ID, toESDocument(doc)); err != nil {
		return model.Wrap(model.ErrIndex, err)
	}
	return nil
}

func (e *ElasticIndex) Remove(ctx context.Context, id string) error {
	if err := es.DeleteDocument(ctx, e.client, e.index, id); err != nil {
		return model.Wrap(model.ErrIndex, err)
	}
	return nil
}

type esSearchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string   `json:"_id"`
			Score  float64  `json:"_score"`
			Source IndexDoc `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// buildQuery 构造 bool 查询：全文匹配放在 must，其余条件放在 filter。
func buildQuery(q Query) map[string]interface{} {
	match := map[string]interface{}{
		"query":  q.Text,
		"fields": []string{"title^2", "text_content", "sealed_text", "entity_names"},
	}
	if q.Mode == model.SearchFuzzy {
		match["fuzziness"] = "AUTO"
		match["operator"] = "or"
	} else {
		match["operator"] = "and"
	}

	var filter []map[string]interface{}
	if len(q.SourceTypes) > 0 {
		filter = append(filter, map[string]interface{}{"terms": map[string]interface{}{"source_type": q.SourceTypes}})
	}
	if len(q.ContentTypes) > 0 {
		filter = append(filter, map[string]interface{}{"terms": map[string]interface{}{"content_type": q.ContentTypes}})
	}
	if q.DocumentIDs != nil {
		filter = append(filter, map[string]interface{}{"ids": map[string]interface{}{"values": q.DocumentIDs}})
	}
	if tr := q.TimeRange; !tr.From.IsZero() || !tr.To.IsZero() {
		bounds := map[string]interface{}{}
		if !tr.From.IsZero() {
			bounds["gte"] = tr.From
		}
		if !tr.To.IsZero() {
			bounds["lte"] = tr.To
		}
		filter = append(filter, map[string]interface{}{
			"bool": map[string]interface{}{
				"should": []map[string]interface{}{
					{"range": map[string]interface{}{"ingested_at": bounds}},
					{"range": map[string]interface{}{"modified_at": bounds}},
				},
				"minimum_should_match": 1,
			},
		})
	}

	size := q.Size
	if size <= 0 || size > esMaxWindow {
		size = esMaxWindow
	}
	boolQuery := map[string]interface{}{
		"must": map[string]interface{}{"multi_match": match},
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	return map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
		"from":  0,
		"size":  size,
	}
}

func (e *ElasticIndex) Search(ctx context.Context, q Query) (*Hits, error) {
	tokens := uniqueTokens(q.Text)
	if len(tokens) == 0 {
		return &Hits{}, nil
	}
	var resp esSearchResponse
	if err := es.Search(ctx, e.client, e.index, buildQuery(q), &resp); err != nil {
		return nil, model.Wrap(model.ErrIndex, err)
	}
	out := &Hits{Total: resp.Hits.Total.Value}
	for _, h := range resp.Hits.Hits {
		out.Hits = append(out.Hits, Hit{
			ID:          h.ID,
			Title:       h.Source.Title,
			Snippet:     Snippet(h.Source.Text, tokens, e.snippetRunes),
			Score:       normalizeScore(h.Score),
			SourceType:  h.Source.SourceType,
			ContentType: h.Source.ContentType,
			FilePath:    h.Source.FilePath,
			Encrypted:   h.Source.Encrypted,
			IngestedAt:  h.Source.IngestedAt,
		})
	}
	rankHits(q.Text, out.Hits)
	return out, nil
}

// Terms 在 ES 后端下返回标题以 prefix 开头的文档标题。
func (e *ElasticIndex) Terms(ctx context.Context, prefix string, limit int) ([]string, error) {
	if prefix == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	query := map[string]interface{}{
		"query":   map[string]interface{}{"match_phrase_prefix": map[string]interface{}{"title": prefix}},
		"size":    limit,
		"_source": []string{"title"},
	}
	var resp esSearchResponse
	if err := es.Search(ctx, e.client, e.index, query, &resp); err != nil {
		return nil, fmt.Errorf("terms: %w", err)
	}
	out := make([]string, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		out = append(out, h.Source.Title)
	}
	return out, nil
}

func (e *ElasticIndex) Ping(ctx context.Context) error {
	return es.Ping(ctx, e.client)
}
