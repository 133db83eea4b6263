package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"pkm-engine/internal/model"
	"pkm-engine/pkg/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "pkm.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newDoc(path, hash, tag string) *model.Document {
	now := time.Now()
	return &model.Document{
		ID:          uuid.NewString(),
		SourceType:  model.SourceFileSystem,
		SourceTag:   tag,
		FilePath:    path,
		ContentHash: hash,
		Title:       filepath.Base(path),
		ContentType: "text/plain",
		BlobKey:     "blobs/" + hash,
		Status:      model.DocumentIndexed,
		IngestedAt:  now,
		ModifiedAt:  now,
	}
}

func TestDocumentCreateIsIdempotent(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()

	first := newDoc("/notes/a.md", "h1", "")
	created, err := repo.Create(ctx, first)
	if err != nil || !created {
		t.Fatalf("Create = %v, %v", created, err)
	}
	again := newDoc("/notes/a.md", "h1", "")
	created, err = repo.Create(ctx, again)
	if err != nil {
		t.Fatalf("Create duplicate: %v", err)
	}
	if created {
		t.Fatal("duplicate identity must not create a second row")
	}
	got, err := repo.FindByIdentity(ctx, "/notes/a.md", "h1")
	if err != nil || got.ID != first.ID {
		t.Fatalf("FindByIdentity = %+v, %v; want id %s", got, err, first.ID)
	}
	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDocumentListFiltersAndPaginates(t *testing.T) {
	repo := NewDocumentRepository(newTestDB(t))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := repo.Create(ctx, newDoc(fmt.Sprintf("/b/%d.txt", i), fmt.Sprintf("hb%d", i), "batch-1")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.Create(ctx, newDoc("/other.txt", "ho", "other")); err != nil {
		t.Fatal(err)
	}

	docs, total, err := repo.List(ctx, model.DocumentFilter{SourceTag: "batch-1", Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(docs) != 2 {
		t.Fatalf("List = %d docs, total %d; want 2, 5", len(docs), total)
	}
	all, total, _ := repo.List(ctx, model.DocumentFilter{SourceTag: "batch-1"})
	if total != 5 || len(all) != 5 {
		t.Fatalf("unbounded list = %d/%d", len(all), total)
	}
}

func TestDocumentDeleteRemovesMentions(t *testing.T) {
	db := newTestDB(t)
	docs := NewDocumentRepository(db)
	graph := NewGraphRepository(db)
	ctx := context.Background()

	doc := newDoc("/x.txt", "hx", "")
	if _, err := docs.Create(ctx, doc); err != nil {
		t.Fatal(err)
	}
	ent, err := graph.UpsertEntity(ctx, &model.Entity{Type: model.EntityEmail, Name: "a@b.io", NormalizedName: "a@b.io"})
	if err != nil {
		t.Fatal(err)
	}
	if err := docs.SaveMentions(ctx, doc.ID, []model.EntityMention{{EntityID: ent.ID, Start: 0, End: 6, Text: "a@b.io", Confidence: 1}}); err != nil {
		t.Fatalf("SaveMentions: %v", err)
	}
	refs, err := docs.EntitiesForDocument(ctx, doc.ID)
	if err != nil || len(refs) != 1 || refs[0].ID != ent.ID {
		t.Fatalf("EntitiesForDocument = %+v, %v", refs, err)
	}
	ids, err := docs.DocumentIDsWithEntityTypes(ctx, []model.EntityType{model.EntityEmail})
	if err != nil || !ids[doc.ID] {
		t.Fatalf("DocumentIDsWithEntityTypes = %v, %v", ids, err)
	}

	if err := docs.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var n int64
	db.Model(&model.EntityMention{}).Where("document_id = ?", doc.ID).Count(&n)
	if n != 0 {
		t.Fatalf("mentions left after delete: %d", n)
	}
	if _, err := graph.GetEntity(ctx, ent.ID); err != nil {
		t.Fatalf("entity must survive document deletion: %v", err)
	}
	if err := docs.Delete(ctx, doc.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestUpsertEntityDedupes(t *testing.T) {
	repo := NewGraphRepository(newTestDB(t))
	ctx := context.Background()
	low, high := 0.5, 0.9

	a, err := repo.UpsertEntity(ctx, &model.Entity{Type: model.EntityPerson, Name: "Alice Smith", NormalizedName: "alice smith", Confidence: &low})
	if err != nil {
		t.Fatal(err)
	}
	b, err := repo.UpsertEntity(ctx, &model.Entity{Type: model.EntityPerson, Name: "ALICE SMITH", NormalizedName: "alice smith", Confidence: &high})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("same key produced two entities: %s vs %s", a.ID, b.ID)
	}
	if b.Confidence == nil || *b.Confidence != high {
		t.Fatalf("confidence not raised: %v", b.Confidence)
	}
	other, _ := repo.UpsertEntity(ctx, &model.Entity{Type: model.EntityPerson, Name: "Alice Smith", NormalizedName: "alice smith", Scope: "email"})
	if other.ID == a.ID {
		t.Fatal("different scope must produce a different entity")
	}

	found, err := repo.SearchEntities(ctx, "ALICE", nil, 10)
	if err != nil || len(found) != 2 {
		t.Fatalf("SearchEntities = %d, %v", len(found), err)
	}
}

func TestUpsertRelationshipConcurrentIncrementIsBounded(t *testing.T) {
	repo := NewGraphRepository(newTestDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpsertRelationship(ctx, &model.GraphRelationship{
				SourceID: "e1", TargetID: "e2", Type: model.RelationRelatesTo, Strength: 0.1,
			}, 0.1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpsertRelationship: %v", err)
		}
	}

	rels, err := repo.ListRelationships(ctx, model.EdgeFilter{EntityID: "e1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 {
		t.Fatalf("edges = %d, want exactly 1", len(rels))
	}
	if math.Abs(rels[0].Strength-1.0) > 1e-9 {
		t.Fatalf("strength = %v, want 1.0", rels[0].Strength)
	}
}

func TestUpsertRelationshipIncrements(t *testing.T) {
	repo := NewGraphRepository(newTestDB(t))
	ctx := context.Background()
	var last *model.GraphRelationship
	for i := 0; i < 3; i++ {
		var err error
		last, err = repo.UpsertRelationship(ctx, &model.GraphRelationship{SourceID: "a", TargetID: "b", Type: "works_at", Strength: 0.2}, 0.1)
		if err != nil {
			t.Fatal(err)
		}
	}
	if math.Abs(last.Strength-0.4) > 1e-9 {
		t.Fatalf("strength = %v, want 0.4", last.Strength)
	}
	// 类型不同是另一条边
	if _, err := repo.UpsertRelationship(ctx, &model.GraphRelationship{SourceID: "a", TargetID: "b", Type: model.RelationMentions, Strength: 0.1}, 0.1); err != nil {
		t.Fatal(err)
	}
	rels, _ := repo.Neighborhood(ctx, []string{"b"})
	if len(rels) != 2 {
		t.Fatalf("neighborhood = %d edges, want 2", len(rels))
	}
}

func TestDeleteEntityRemovesEdges(t *testing.T) {
	repo := NewGraphRepository(newTestDB(t))
	ctx := context.Background()
	a, _ := repo.UpsertEntity(ctx, &model.Entity{Type: model.EntityProject, Name: "Project X", NormalizedName: "project x"})
	b, _ := repo.UpsertEntity(ctx, &model.Entity{Type: model.EntityPerson, Name: "Bob", NormalizedName: "bob"})
	if _, err := repo.UpsertRelationship(ctx, &model.GraphRelationship{SourceID: a.ID, TargetID: b.ID, Type: model.RelationRelatesTo, Strength: 0.1}, 0.1); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteEntity(ctx, a.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	rels, _ := repo.Neighborhood(ctx, []string{b.ID})
	if len(rels) != 0 {
		t.Fatalf("dangling edges: %+v", rels)
	}
}

func TestMemoryJobRepositoryUpdate(t *testing.T) {
	repo := NewMemoryJobRepository()
	ctx := context.Background()
	job := &model.Job{ID: "j1", Status: model.JobQueued, Items: []model.JobItem{{Index: 0, Status: model.ItemPending}}}
	if err := repo.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	job.Items[0].Status = model.ItemFailed // 修改调用方副本不影响存储
	got, _ := repo.Get(ctx, "j1")
	if got.Items[0].Status != model.ItemPending {
		t.Fatal("repository shares memory with caller")
	}

	updated, err := repo.Update(ctx, "j1", func(j *model.Job) error {
		j.Status = model.JobRunning
		return nil
	})
	if err != nil || updated.Status != model.JobRunning {
		t.Fatalf("Update = %+v, %v", updated, err)
	}
	sentinel := errors.New("stop")
	if _, err := repo.Update(ctx, "j1", func(*model.Job) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertEntityNeverLowersConfidence(t *testing.T) {
	repo := NewGraphRepository(newTestDB(t))
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conf := float64(i+1) / n
			_, err := repo.UpsertEntity(ctx, &model.Entity{Type: model.EntityProject, Name: "Apollo", NormalizedName: "apollo", Confidence: &conf})
			if err != nil {
				t.Errorf("upsert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	low := 0.1
	got, err := repo.UpsertEntity(ctx, &model.Entity{Type: model.EntityProject, Name: "Apollo", NormalizedName: "apollo", Confidence: &low})
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence == nil || *got.Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", got.Confidence)
	}
	stored, err := repo.GetEntity(ctx, got.ID)
	if err != nil || stored.Confidence == nil || *stored.Confidence != 1 {
		t.Fatalf("stored confidence = %v, %v", stored, err)
	}
}
