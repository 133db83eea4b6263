package graph

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"pkm-engine/internal/extract"
	"pkm-engine/internal/model"
	"pkm-engine/internal/repository"
	"pkm-engine/pkg/database"
)

func newRepo(t *testing.T) repository.GraphRepository {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repository.NewGraphRepository(db)
}

// mention 在 text 中定位 name 并构造出现记录
func mention(t *testing.T, text string, typ model.EntityType, name string) extract.Mention {
	t.Helper()
	i := strings.Index(text, name)
	if i < 0 {
		t.Fatalf("%q not in text", name)
	}
	n := extract.Normalize(typ, name)
	return extract.Mention{Key: extract.Key(typ, n), Type: typ, Name: name, Start: i, End: i + len(name), Text: name, Confidence: 0.9}
}

func resultOf(mentions ...extract.Mention) *extract.Result {
	res := &extract.Result{Mentions: mentions}
	seen := map[string]bool{}
	for _, m := range mentions {
		if seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		res.Entities = append(res.Entities, extract.Candidate{Key: m.Key, Type: m.Type, Name: m.Name, Normalized: extract.Normalize(m.Type, m.Name), Confidence: m.Confidence})
	}
	return res
}

func build(t *testing.T, b *Builder, doc *model.Document, res *extract.Result) *BuildResult {
	t.Helper()
	ents, err := b.UpsertEntities(context.Background(), doc, res)
	if err != nil {
		t.Fatalf("UpsertEntities: %v", err)
	}
	out, err := b.Build(context.Background(), doc, ents, res.Mentions)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return out
}

func TestBuildCooccurrenceStrengthens(t *testing.T) {
	b := NewBuilder(newRepo(t), Options{InitialStrength: 0.1, Increment: 0.1, Window: 100})
	text := "Alice Smith met Bob Jones."
	res := resultOf(mention(t, text, model.EntityPerson, "Alice Smith"), mention(t, text, model.EntityPerson, "Bob Jones"))

	first := build(t, b, &model.Document{ID: "d1", SourceType: model.SourceEmail}, res)
	if first.Created != 1 || len(first.Edges) != 1 {
		t.Fatalf("first build = %+v, want one new edge", first)
	}
	if first.Edges[0].Type != model.RelationRelatesTo {
		t.Fatalf("type = %q, want relates_to", first.Edges[0].Type)
	}

	second := build(t, b, &model.Document{ID: "d2", SourceType: model.SourceEmail}, res)
	if second.Strengthened != 1 || second.Created != 0 {
		t.Fatalf("second build = %+v, want one strengthened edge", second)
	}
	if math.Abs(second.Edges[0].Strength-0.2) > 1e-9 {
		t.Fatalf("strength = %v, want 0.2", second.Edges[0].Strength)
	}
}

func TestBuildFarApartFallsBackToMentions(t *testing.T) {
	b := NewBuilder(newRepo(t), Options{Window: 10})
	text := "Alice Smith" + strings.Repeat(" filler", 20) + " Bob Jones"
	res := resultOf(mention(t, text, model.EntityPerson, "Alice Smith"), mention(t, text, model.EntityPerson, "Bob Jones"))
	out := build(t, b, &model.Document{ID: "d1"}, res)
	if len(out.Edges) != 1 || out.Edges[0].Type != model.RelationMentions {
		t.Fatalf("edges = %+v, want a single mentions edge", out.Edges)
	}
}

func TestBuildDeclaredRelationWins(t *testing.T) {
	text := "Alice Smith joined Acme Corp."
	res := resultOf(mention(t, text, model.EntityPerson, "Alice Smith"), mention(t, text, model.EntityOrganization, "Acme Corp"))
	doc := &model.Document{ID: "d1", Metadata: map[string]interface{}{
		"relationships": []interface{}{
			map[string]interface{}{"source": "alice smith", "target": "Acme Corp", "type": "works_at"},
		},
	}}

	out := build(t, NewBuilder(newRepo(t), Options{Policy: PolicyMostSpecific}), doc, res)
	if len(out.Edges) != 1 {
		t.Fatalf("edges = %+v, want exactly one", out.Edges)
	}
	e := out.Edges[0]
	if e.Type != "works_at" {
		t.Fatalf("type = %q, want works_at", e.Type)
	}
	if e.SourceID == e.TargetID {
		t.Fatal("self edge")
	}

	all := build(t, NewBuilder(newRepo(t), Options{Policy: PolicyAll}), doc, res)
	types := map[string]bool{}
	for _, e := range all.Edges {
		types[e.Type] = true
	}
	if !types["works_at"] || !types[model.RelationRelatesTo] || !types[model.RelationMentions] {
		t.Fatalf("policy all edges = %v", types)
	}
}

func TestBuildDeclaredTieBreakPrefersNonDefault(t *testing.T) {
	text := "Alice Smith and Acme Corp"
	res := resultOf(mention(t, text, model.EntityPerson, "Alice Smith"), mention(t, text, model.EntityOrganization, "Acme Corp"))
	doc := &model.Document{ID: "d1", Metadata: map[string]interface{}{
		"relationships": []interface{}{
			map[string]interface{}{"source": "Alice Smith", "target": "Acme Corp", "type": "relates_to"},
			map[string]interface{}{"source": "Alice Smith", "target": "Acme Corp", "type": "founded"},
		},
	}}
	out := build(t, NewBuilder(newRepo(t), Options{}), doc, res)
	if len(out.Edges) != 1 || out.Edges[0].Type != "founded" {
		t.Fatalf("edges = %+v, want single founded edge", out.Edges)
	}
}

func TestBuildSingleEntityNoEdges(t *testing.T) {
	text := "just alice@example.com"
	res := resultOf(mention(t, text, model.EntityEmail, "alice@example.com"))
	out := build(t, NewBuilder(newRepo(t), Options{}), &model.Document{ID: "d"}, res)
	if len(out.Edges) != 0 {
		t.Fatalf("edges = %+v", out.Edges)
	}
}

func TestUpsertEntitiesScope(t *testing.T) {
	repo := newRepo(t)
	text := "Alice Smith"
	res := resultOf(mention(t, text, model.EntityPerson, "Alice Smith"))
	scoped := NewBuilder(repo, Options{EntityScope: ScopeSourceType})
	a, _ := scoped.UpsertEntities(context.Background(), &model.Document{SourceType: model.SourceEmail}, res)
	b, _ := scoped.UpsertEntities(context.Background(), &model.Document{SourceType: model.SourceBrowser}, res)
	key := res.Entities[0].Key
	if a[key].ID == b[key].ID {
		t.Fatal("source_type scope must keep entities apart")
	}
	global := NewBuilder(repo, Options{})
	c, _ := global.UpsertEntities(context.Background(), &model.Document{SourceType: model.SourceEmail}, res)
	d, _ := global.UpsertEntities(context.Background(), &model.Document{SourceType: model.SourceBrowser}, res)
	if c[key].ID != d[key].ID {
		t.Fatal("global scope must merge entities")
	}
}
