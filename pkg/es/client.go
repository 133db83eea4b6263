// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"pkm-engine/internal/config"
	"pkm-engine/pkg/log"
)

var ESClient *elasticsearch.Client

// DocumentMapping 是文档索引的映射：正文和实体名称做全文检索，其余字段用于过滤。
// 加密文档的正文写入 sealed_text，不保存在 _source 中。
const DocumentMapping = `{
	"mappings": {
		"_source": { "excludes": ["sealed_text"] },
		"properties": {
			"document_id":  { "type": "keyword" },
			"title":        { "type": "text", "fields": { "raw": { "type": "keyword" } } },
			"text_content": { "type": "text" },
			"sealed_text":  { "type": "text" },
			"encrypted":    { "type": "boolean" },
			"entity_names": { "type": "text" },
			"source_type":  { "type": "keyword" },
			"source_tag":   { "type": "keyword" },
			"content_type": { "type": "keyword" },
			"file_path":    { "type": "keyword" },
			"ingested_at":  { "type": "date" },
			"modified_at":  { "type": "date" }
		}
	}
}`

// NewClient 根据配置创建 Elasticsearch 客户端，多个地址用逗号分隔。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	var addrs []string
	for _, a := range strings.Split(esCfg.Addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	cfg := elasticsearch.Config{
		Addresses: addrs,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// InitES 初始化全局 Elasticsearch 客户端并确保索引存在
func InitES(ctx context.Context, esCfg config.ElasticsearchConfig) error {
	client, err := NewClient(esCfg)
	if err != nil {
		return err
	}
	ESClient = client
	return EnsureIndex(ctx, client, esCfg.IndexName, DocumentMapping)
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func EnsureIndex(ctx context.Context, client *elasticsearch.Client, indexName, mapping string) error {
	res, err := client.Indices.Exists([]string{indexName}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = client.Indices.Create(
		indexName,
		client.Indices.Create.WithBody(strings.NewReader(mapping)),
		client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// IndexDocument 以 id 为文档 ID 写入（覆盖）一条记录。
func IndexDocument(ctx context.Context, client *elasticsearch.Client, indexName, id string, doc interface{}) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: id,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

// DeleteDocument 删除一条记录，不存在时不报错。
func DeleteDocument(ctx context.Context, client *elasticsearch.Client, indexName, id string) error {
	req := esapi.DeleteRequest{Index: indexName, DocumentID: id, Refresh: "true"}
	res, err := req.Do(ctx, client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete document: %s", res.String())
	}
	return nil
}

// Search 执行查询并把响应解码到 out。
func Search(ctx context.Context, client *elasticsearch.Client, indexName string, query map[string]interface{}, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return fmt.Errorf("failed to encode es query: %w", err)
	}
	res, err := client.Search(
		client.Search.WithContext(ctx),
		client.Search.WithIndex(indexName),
		client.Search.WithBody(&buf),
		client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		log.Errorf("Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(body))
		return fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// Ping 检查集群是否可用。
func Ping(ctx context.Context, client *elasticsearch.Client) error {
	res, err := client.Ping(client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}
