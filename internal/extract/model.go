package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pkm-engine/internal/model"
	"pkm-engine/pkg/llm"
	"pkm-engine/pkg/log"
)

const modelSystemPrompt = `You extract named entities from text.
Return a JSON object {"entities":[{"name":"...","type":"person|organization|location|project","confidence":0.0-1.0}]}.
Only include names that appear verbatim in the text. Return {"entities":[]} when there are none.`

// ModelExtractor 调用大模型识别人名、机构名等难以用规则覆盖的实体。
// 结果是概率性的，置信度来自模型并被限制在 [0,1]。
type ModelExtractor struct {
	client     llm.Client
	chunkRunes int
}

func NewModelExtractor(client llm.Client, chunkRunes int) *ModelExtractor {
	if chunkRunes <= 0 {
		chunkRunes = 4000
	}
	return &ModelExtractor{client: client, chunkRunes: chunkRunes}
}

type modelEntity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

var modelTypes = map[string]model.EntityType{
	"person":       model.EntityPerson,
	"organization": model.EntityOrganization,
	"location":     model.EntityLocation,
	"project":      model.EntityProject,
}

func (m *ModelExtractor) Extract(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return &Result{}, nil
	}
	found := make(map[string]modelEntity)
	for _, chunk := range splitText(text, m.chunkRunes, m.chunkRunes/10) {
		reply, err := m.client.Chat(ctx, []llm.Message{
			{Role: "system", Content: modelSystemPrompt},
			{Role: "user", Content: chunk},
		}, &llm.GenerationParams{JSONMode: true})
		if err != nil {
			return nil, fmt.Errorf("model extraction: %w", err)
		}
		entities, err := parseModelReply(reply)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			if _, ok := modelTypes[e.Type]; !ok || strings.TrimSpace(e.Name) == "" {
				continue
			}
			key := e.Type + ":" + e.Name
			if prev, ok := found[key]; !ok || e.Confidence > prev.Confidence {
				found[key] = e
			}
		}
	}

	var spans []Mention
	for _, e := range found {
		conf := e.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		t := modelTypes[e.Type]
		// 在全文中定位，模型给出但原文中不存在的名称丢弃
		for start := 0; ; {
			i := strings.Index(text[start:], e.Name)
			if i < 0 {
				break
			}
			s := start + i
			spans = append(spans, newMention(t, e.Name, text, s, s+len(e.Name), conf))
			start = s + len(e.Name)
		}
	}
	return build(spans), nil
}

func parseModelReply(reply string) ([]modelEntity, error) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	var out struct {
		Entities []modelEntity `json:"entities"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(reply)), &out); err != nil {
		return nil, fmt.Errorf("model extraction: invalid reply: %w", err)
	}
	return out.Entities, nil
}

// splitText 按 rune 切分文本，相邻块之间保留 overlap 个字符。
func splitText(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if chunkSize <= overlap {
		overlap = 0
	}
	var chunks []string
	step := chunkSize - overlap
	for i := 0; i < len(runes); i += step {
		end := min(i+chunkSize, len(runes))
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// ChainExtractor 合并规则抽取和模型抽取的结果。模型失败时退回规则结果。
type ChainExtractor struct {
	rules   *RuleExtractor
	learned Extractor
}

func NewChainExtractor(rules *RuleExtractor, learned Extractor) *ChainExtractor {
	return &ChainExtractor{rules: rules, learned: learned}
}

func (c *ChainExtractor) Extract(ctx context.Context, text string) (*Result, error) {
	base, err := c.rules.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	if c.learned == nil || base == nil {
		return base, nil
	}
	extra, err := c.learned.Extract(ctx, text)
	if err != nil {
		log.Warnf("[Extractor] 模型抽取失败，仅使用规则结果: %v", err)
		return base, nil
	}
	return build(append(base.Mentions, extra.Mentions...)), nil
}
