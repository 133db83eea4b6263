package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"pkm-engine/internal/model"
	"pkm-engine/pkg/llm"
)

func findEntity(res *Result, t model.EntityType, name string) *Candidate {
	for i := range res.Entities {
		if res.Entities[i].Type == t && res.Entities[i].Name == name {
			return &res.Entities[i]
		}
	}
	return nil
}

func TestRuleExtractorEmailAndURL(t *testing.T) {
	text := "Contact john.doe@example.com or visit https://example.com."
	res, err := NewRuleExtractor(RuleOptions{}).Extract(context.Background(), text)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	email := findEntity(res, model.EntityEmail, "john.doe@example.com")
	if email == nil {
		t.Fatalf("email not extracted: %+v", res.Entities)
	}
	if email.Confidence != 1.0 {
		t.Errorf("email confidence = %v, want 1", email.Confidence)
	}
	if findEntity(res, model.EntityURL, "https://example.com") == nil {
		t.Fatalf("url not extracted: %+v", res.Entities)
	}
	for _, m := range res.Mentions {
		if text[m.Start:m.End] != m.Text {
			t.Errorf("mention offsets [%d,%d) = %q, text %q", m.Start, m.End, text[m.Start:m.End], m.Text)
		}
	}
}

func TestRuleExtractorRejectsInvalidEmail(t *testing.T) {
	res, _ := NewRuleExtractor(RuleOptions{}).Extract(context.Background(), "broken .a@b..com and x@-bad.com")
	for _, e := range res.Entities {
		if e.Type == model.EntityEmail {
			t.Errorf("unexpected email %q", e.Name)
		}
	}
}

func TestRuleExtractorEmptyAndMalformed(t *testing.T) {
	ex := NewRuleExtractor(RuleOptions{})
	for _, in := range []string{"", "   \n\t", "\xff\xfe garbage \x00"} {
		res, err := ex.Extract(context.Background(), in)
		if err != nil {
			t.Fatalf("Extract(%q) error: %v", in, err)
		}
		if res == nil {
			t.Fatalf("Extract(%q) returned nil result", in)
		}
	}
}

func TestRuleExtractorTypes(t *testing.T) {
	text := "On 2024-03-15 Dr. Alice Smith met Bob Jones from Acme Corp in Berlin " +
		"to discuss Project Apollo, a $1.2 million Kubernetes migration."
	res, err := NewRuleExtractor(RuleOptions{}).Extract(context.Background(), text)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := []struct {
		typ  model.EntityType
		name string
	}{
		{model.EntityDate, "2024-03-15"},
		{model.EntityPerson, "Alice Smith"},
		{model.EntityPerson, "Bob Jones"},
		{model.EntityOrganization, "Acme Corp"},
		{model.EntityLocation, "Berlin"},
		{model.EntityProject, "Project Apollo"},
		{model.EntityFinancial, "$1.2 million"},
		{model.EntityTechnical, "Kubernetes"},
	}
	for _, w := range want {
		e := findEntity(res, w.typ, w.name)
		if e == nil {
			t.Errorf("missing %s %q in %+v", w.typ, w.name, res.Entities)
			continue
		}
		if e.Confidence <= 0 || e.Confidence > 1 {
			t.Errorf("%s confidence out of range: %v", w.name, e.Confidence)
		}
	}
}

func TestRuleExtractorDeterministic(t *testing.T) {
	ex := NewRuleExtractor(RuleOptions{TechnicalTerms: []string{"Zig"}})
	text := "Mary Brown wrote Zig at Initech Inc. See www.initech.io, mary@initech.io"
	a, _ := ex.Extract(context.Background(), text)
	b, _ := ex.Extract(context.Background(), text)
	if len(a.Mentions) != len(b.Mentions) {
		t.Fatalf("non-deterministic mention count %d vs %d", len(a.Mentions), len(b.Mentions))
	}
	for i := range a.Mentions {
		if a.Mentions[i] != b.Mentions[i] {
			t.Fatalf("mention %d differs: %+v vs %+v", i, a.Mentions[i], b.Mentions[i])
		}
	}
	if findEntity(a, model.EntityTechnical, "Zig") == nil {
		t.Error("configured technical term not extracted")
	}
}

func TestRuleExtractorDedupesRepeatedEntity(t *testing.T) {
	text := "ping alice@example.com, then ALICE@example.com again"
	res, _ := NewRuleExtractor(RuleOptions{}).Extract(context.Background(), text)
	n := 0
	for _, e := range res.Entities {
		if e.Type == model.EntityEmail {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("email entities = %d, want 1", n)
	}
	if len(res.Mentions) < 2 {
		t.Fatalf("mentions = %d, want 2", len(res.Mentions))
	}
}

func TestResolvePrefersHigherConfidence(t *testing.T) {
	text := "abcdefgh"
	spans := []Mention{
		newMention(model.EntityPerson, "abcdef", text, 0, 6, 0.5),
		newMention(model.EntityOrganization, "cdefgh", text, 2, 8, 0.9),
	}
	got := resolve(spans)
	if len(got) != 1 || got[0].Type != model.EntityOrganization {
		t.Fatalf("resolve = %+v", got)
	}
}

type fakeChat struct {
	reply string
	err   error
}

func (f fakeChat) Chat(context.Context, []llm.Message, *llm.GenerationParams) (string, error) {
	return f.reply, f.err
}

func TestChainExtractorMergesModelResults(t *testing.T) {
	text := "Zhang San joined Contoso yesterday. Email: zs@contoso.com"
	chat := fakeChat{reply: "```json\n" + `{"entities":[{"name":"Zhang San","type":"person","confidence":0.9},` +
		`{"name":"Contoso","type":"organization","confidence":0.8},{"name":"Nobody","type":"person","confidence":0.9}]}` + "\n```"}
	chain := NewChainExtractor(NewRuleExtractor(RuleOptions{}), NewModelExtractor(chat, 1000))
	res, err := chain.Extract(context.Background(), text)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if findEntity(res, model.EntityPerson, "Zhang San") == nil || findEntity(res, model.EntityOrganization, "Contoso") == nil {
		t.Fatalf("model entities missing: %+v", res.Entities)
	}
	if findEntity(res, model.EntityPerson, "Nobody") != nil {
		t.Fatal("entity absent from text must be dropped")
	}
	if findEntity(res, model.EntityEmail, "zs@contoso.com") == nil {
		t.Fatal("rule entities missing after merge")
	}
}

func TestChainExtractorModelFailureFallsBack(t *testing.T) {
	chain := NewChainExtractor(NewRuleExtractor(RuleOptions{}), NewModelExtractor(fakeChat{err: errors.New("down")}, 100))
	res, err := chain.Extract(context.Background(), "mail me: a@b.io")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if findEntity(res, model.EntityEmail, "a@b.io") == nil {
		t.Fatal("rule result lost on model failure")
	}
}

func TestSplitText(t *testing.T) {
	chunks := splitText(strings.Repeat("字", 25), 10, 2)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if splitText("", 10, 2) != nil {
		t.Fatal("expected nil for empty text")
	}
}
