package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkm-engine/internal/config"
	"pkm-engine/internal/model"
	"pkm-engine/internal/repository"
	"pkm-engine/internal/search"
	"pkm-engine/pkg/database"
)

func openRepos(t *testing.T) (repository.DocumentRepository, repository.GraphRepository) {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "pkm.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	return repository.NewDocumentRepository(db), repository.NewGraphRepository(db)
}

func searchCfg() config.SearchConfig {
	return config.SearchConfig{DefaultMode: "fuzzy", DefaultLimit: 10, MaxLimit: 100, SuggestLimit: 5, HistorySize: 20, SnippetRunes: 80}
}

func fillIndex(t *testing.T, idx search.Index, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := idx.Upsert(context.Background(), search.IndexDoc{
			ID:         fmt.Sprintf("doc-%02d", i),
			Title:      fmt.Sprintf("cluster note %02d", i),
			Text:       fmt.Sprintf("kubernetes rollout %d with %s", i, "padding text"),
			SourceType: model.SourceFileSystem,
			IngestedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestQueryPaginatesFiftyMatches(t *testing.T) {
	docs, graph := openRepos(t)
	idx := search.NewMemoryIndex(80)
	fillIndex(t, idx, 50)
	svc := NewSearchService(idx, docs, graph, searchCfg())
	ctx := context.Background()

	seen := make(map[string]bool)
	for offset := 0; offset < 50; offset += 10 {
		resp, err := svc.Query(ctx, model.SearchRequest{Query: "kubernetes", Offset: offset, Limit: 10})
		if err != nil {
			t.Fatalf("offset %d: %v", offset, err)
		}
		if resp.Total != 50 || len(resp.Results) != 10 {
			t.Fatalf("offset %d: total=%d page=%d", offset, resp.Total, len(resp.Results))
		}
		if wantMore := offset+10 < 50; resp.HasMore != wantMore {
			t.Fatalf("offset %d: hasMore=%v", offset, resp.HasMore)
		}
		for _, r := range resp.Results {
			if seen[r.ID] {
				t.Fatalf("%s returned twice", r.ID)
			}
			seen[r.ID] = true
		}
	}
	if len(seen) != 50 {
		t.Fatalf("saw %d distinct results", len(seen))
	}

	resp, err := svc.Query(ctx, model.SearchRequest{Query: "kubernetes", Offset: 50, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 || resp.HasMore {
		t.Fatalf("past the end: %+v", resp)
	}
}

func TestQueryValidation(t *testing.T) {
	docs, graph := openRepos(t)
	svc := NewSearchService(search.NewMemoryIndex(80), docs, graph, searchCfg())
	tests := []model.SearchRequest{
		{Query: "  "},
		{Query: "x", Mode: "regex"},
		{Query: "x", Offset: -1},
		{Query: "x", Filters: model.SearchFilters{SourceTypes: []model.SourceType{"fax"}}},
		{Query: "x", Filters: model.SearchFilters{TimeRange: model.TimeRange{From: time.Now(), To: time.Now().Add(-time.Hour)}}},
	}
	for i, req := range tests {
		if _, err := svc.Query(context.Background(), req); !errors.Is(err, model.ErrValidation) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
}

func TestQueryIncludesEntitiesAndRelationships(t *testing.T) {
	docs, graph := openRepos(t)
	ctx := context.Background()
	acme, err := graph.UpsertEntity(ctx, &model.Entity{Type: model.EntityOrganization, Name: "Acme Corp", NormalizedName: "acme corp"})
	if err != nil {
		t.Fatal(err)
	}
	alice, err := graph.UpsertEntity(ctx, &model.Entity{Type: model.EntityPerson, Name: "Alice Smith", NormalizedName: "alice smith"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := graph.UpsertRelationship(ctx, &model.GraphRelationship{SourceID: alice.ID, TargetID: acme.ID, Type: "works_at", Strength: 0.5}, 0.1); err != nil {
		t.Fatal(err)
	}

	svc := NewSearchService(search.NewMemoryIndex(80), docs, graph, searchCfg())
	resp, err := svc.Query(ctx, model.SearchRequest{Query: "acme corp", Mode: model.SearchExact})
	if err != nil {
		t.Fatal(err)
	}
	if resp.FallbackMode || resp.Total != 2 || len(resp.Results) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if r := resp.Results[0]; r.Kind != model.KindEntity || r.ID != acme.ID || r.Score != 1 {
		t.Fatalf("first = %+v", r)
	}
	if r := resp.Results[1]; r.Kind != model.KindRelationship || r.Title != "Alice Smith -[works_at]-> Acme Corp" || r.Score != 0.5 {
		t.Fatalf("second = %+v", r)
	}

	// 实体类型过滤只保留该类型的实体
	resp, err = svc.Query(ctx, model.SearchRequest{Query: "smith", Filters: model.SearchFilters{EntityTypes: []model.EntityType{model.EntityOrganization}}})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range resp.Results {
		if r.Kind == model.KindEntity {
			t.Fatalf("unexpected entity %+v", r)
		}
	}
}

type brokenGraph struct {
	repository.GraphRepository
}

func (brokenGraph) SearchEntities(context.Context, string, []model.EntityType, int) ([]model.Entity, error) {
	return nil, errors.New("graph offline")
}

func TestQueryFallsBackWhenGraphFails(t *testing.T) {
	docs, _ := openRepos(t)
	idx := search.NewMemoryIndex(80)
	fillIndex(t, idx, 3)
	svc := NewSearchService(idx, docs, brokenGraph{}, searchCfg())

	resp, err := svc.Query(context.Background(), model.SearchRequest{Query: "kubernetes"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !resp.FallbackMode || resp.Total != 3 || len(resp.Results) != 3 {
		t.Fatalf("resp = %+v", resp)
	}

	// 联想同样不因图存储失败而报错
	got, err := svc.Suggest(context.Background(), "kub", nil, 0)
	if err != nil || len(got) == 0 || got[0] != "kubernetes" {
		t.Fatalf("suggest = %v, %v", got, err)
	}
}

func TestSuggestMergesSources(t *testing.T) {
	docs, graph := openRepos(t)
	ctx := context.Background()
	if _, err := graph.UpsertEntity(ctx, &model.Entity{Type: model.EntityProject, Name: "Project Apollo", NormalizedName: "project apollo"}); err != nil {
		t.Fatal(err)
	}
	idx := search.NewMemoryIndex(80)
	if err := idx.Upsert(ctx, search.IndexDoc{ID: "1", Title: "plan", Text: "protocol prototype"}); err != nil {
		t.Fatal(err)
	}
	svc := NewSearchService(idx, docs, graph, searchCfg())
	if _, err := svc.Query(ctx, model.SearchRequest{Query: "Protobuf schema"}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Suggest(ctx, "pro", []string{"Program review", "program REVIEW"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Program review", "Protobuf schema", "Project Apollo", "protocol", "prototype"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("suggest = %q, want %q", got, want)
	}

	if got, _ := svc.Suggest(ctx, "   ", nil, 10); len(got) != 0 {
		t.Fatalf("blank prefix = %v", got)
	}
}

func TestQueryPaginatesFiftyEntities(t *testing.T) {
	docs, graph := openRepos(t)
	ctx := context.Background()
	// 名称排序靠前的实体名更长、得分更低，按名称截断会取错
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("%02d alpha %s", i, strings.Repeat("x", 50-i))
		if _, err := graph.UpsertEntity(ctx, &model.Entity{Type: model.EntityProject, Name: name, NormalizedName: name}); err != nil {
			t.Fatal(err)
		}
	}
	svc := NewSearchService(search.NewMemoryIndex(80), docs, graph, searchCfg())

	seen := make(map[string]bool)
	lastScore := 2.0
	for offset := 0; offset < 50; offset += 10 {
		resp, err := svc.Query(ctx, model.SearchRequest{Query: "alpha", Mode: model.SearchExact, Offset: offset, Limit: 10})
		if err != nil {
			t.Fatalf("offset %d: %v", offset, err)
		}
		if resp.Total != 50 || len(resp.Results) != 10 {
			t.Fatalf("offset %d: total=%d page=%d", offset, resp.Total, len(resp.Results))
		}
		if wantMore := offset+10 < 50; resp.HasMore != wantMore {
			t.Fatalf("offset %d: hasMore=%v", offset, resp.HasMore)
		}
		for _, r := range resp.Results {
			if r.Kind != model.KindEntity {
				t.Fatalf("unexpected result kind %s", r.Kind)
			}
			if seen[r.ID] {
				t.Fatalf("offset %d: %s returned twice", offset, r.Title)
			}
			if r.Score > lastScore {
				t.Fatalf("offset %d: score %v after %v", offset, r.Score, lastScore)
			}
			seen[r.ID] = true
			lastScore = r.Score
		}
	}
	if len(seen) != 50 {
		t.Fatalf("saw %d distinct entities", len(seen))
	}

	first, err := svc.Query(ctx, model.SearchRequest{Query: "alpha", Mode: model.SearchExact, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if want := "49 alpha x"; first.Results[0].Title != want {
		t.Fatalf("top entity = %q, want %q", first.Results[0].Title, want)
	}
}

func TestEncryptedSnippetNeedsReveal(t *testing.T) {
	docs, graph := openRepos(t)
	ctx := context.Background()
	idx := search.NewMemoryIndex(80)
	err := idx.Upsert(ctx, search.IndexDoc{
		ID:         "vault",
		Title:      "vault",
		Text:       "the vault combination is swordfish 4242",
		SourceType: model.SourceFileSystem,
		Encrypted:  true,
		IngestedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewSearchService(idx, docs, graph, searchCfg())

	resp, err := svc.Query(ctx, model.SearchRequest{Query: "swordfish"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 {
		t.Fatalf("encrypted document not searchable: %+v", resp)
	}
	if got := resp.Results[0]; got.Snippet != "" || got.Metadata["encrypted"] != true {
		t.Fatalf("encrypted hit leaked snippet %q (metadata %v)", got.Snippet, got.Metadata)
	}

	resp, err = svc.Query(ctx, model.SearchRequest{Query: "swordfish", RevealEncrypted: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Results[0].Snippet, "swordfish") {
		t.Fatalf("revealed snippet = %q", resp.Results[0].Snippet)
	}
}
