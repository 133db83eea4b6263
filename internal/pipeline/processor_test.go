package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"pkm-engine/internal/bus"
	"pkm-engine/internal/content"
	"pkm-engine/internal/extract"
	"pkm-engine/internal/graph"
	"pkm-engine/internal/model"
	"pkm-engine/internal/repository"
	"pkm-engine/internal/search"
	"pkm-engine/pkg/database"
	"pkm-engine/pkg/encryption"
	"pkm-engine/pkg/storage"
)

const sampleText = "Alice Smith from Acme Corp emailed john.doe@example.com about Project Apollo, see https://example.com"

type testEnv struct {
	p     *Processor
	docs  repository.DocumentRepository
	graph repository.GraphRepository
	store *content.Store
	index *search.MemoryIndex
	bus   *bus.Bus
	fs    afero.Fs
}

type envOption func(*testEnv, *Options, *extract.Extractor, *storage.BlobStore)

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "pkm.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	enc, err := encryption.New(encryption.AlgXChaCha20Poly1305, encryption.KDFArgon2id,
		encryption.Params{Argon2Time: 1, Argon2MemoryKiB: 1024, Argon2Threads: 1})
	if err != nil {
		t.Fatalf("encryption.New: %v", err)
	}

	env := &testEnv{
		docs:  repository.NewDocumentRepository(db),
		graph: repository.NewGraphRepository(db),
		index: search.NewMemoryIndex(120),
		bus:   bus.New(32, 32),
		fs:    afero.NewMemMapFs(),
	}
	o := Options{StorageAttempts: 2, FS: env.fs}
	var ex extract.Extractor = extract.NewRuleExtractor(extract.RuleOptions{})
	var blobs storage.BlobStore = storage.NewFSStoreWith(afero.NewMemMapFs())
	for _, fn := range opts {
		fn(env, &o, &ex, &blobs)
	}
	env.store = content.NewStore(blobs, enc, "correct horse")
	builder := graph.NewBuilder(env.graph, graph.Options{})
	env.p = NewProcessor(env.docs, env.store, NewNormalizer(nil), ex, builder, env.index, env.bus, nil, o)
	return env
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	req := IngestRequest{Title: "note", Content: sampleText, FilePath: "/notes/a.txt", SourceType: model.SourceFileSystem}

	first, err := env.p.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := env.p.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if first.DocumentID != second.DocumentID {
		t.Fatalf("ids differ: %s vs %s", first.DocumentID, second.DocumentID)
	}
	if first.Duplicate || !second.Duplicate {
		t.Fatalf("duplicate flags = %v/%v", first.Duplicate, second.Duplicate)
	}
	if first.Entities == 0 || first.Relationships == 0 {
		t.Fatalf("expected enrichment, got %+v", first)
	}
}

func TestConcurrentIngestStoresOneDocument(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	req := IngestRequest{Content: sampleText, FilePath: "/notes/same.txt"}

	// 先单独摄取一次得到实体数量作为基准
	ref := newEnv(t)
	base, err := ref.p.Ingest(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	_, wantEntities, _ := ref.graph.ListEntities(ctx, model.NodeFilter{})

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.p.Ingest(ctx, req)
			if err != nil {
				t.Errorf("ingest %d: %v", i, err)
				return
			}
			ids[i] = res.DocumentID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent ingests returned different ids: %v", ids)
		}
	}
	_, total, err := env.docs.List(ctx, model.DocumentFilter{})
	if err != nil || total != 1 {
		t.Fatalf("documents = %d, %v; want 1", total, err)
	}
	_, gotEntities, _ := env.graph.ListEntities(ctx, model.NodeFilter{})
	if gotEntities != wantEntities || base.Entities == 0 {
		t.Fatalf("entities = %d, want %d", gotEntities, wantEntities)
	}
}

func TestEncryptedIngestRoundTrip(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	res, err := env.p.Ingest(ctx, IngestRequest{Title: "secret", Content: sampleText, Encrypted: true, SourceType: model.SourceEmail})
	if err != nil {
		t.Fatal(err)
	}
	doc, err := env.docs.FindByID(ctx, res.DocumentID)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Encrypted || doc.EncryptionAlgorithm != encryption.AlgXChaCha20Poly1305 || doc.EncryptionKDF != encryption.KDFArgon2id {
		t.Fatalf("encryption metadata = %+v", doc)
	}
	stored, err := env.store.Get(ctx, doc, false)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(stored, []byte(sampleText)) || bytes.Contains(stored, []byte("john.doe")) {
		t.Fatal("stored bytes contain plaintext")
	}
	plain, err := env.store.Get(ctx, doc, true)
	if err != nil || string(plain) != sampleText {
		t.Fatalf("decrypted = %q, %v", plain, err)
	}
}

func TestConfidentialSourceForcesEncryption(t *testing.T) {
	env := newEnv(t, func(_ *testEnv, o *Options, _ *extract.Extractor, _ *storage.BlobStore) {
		o.ConfidentialSources = []model.SourceType{model.SourceCommunication}
	})
	ctx := context.Background()
	res, err := env.p.Ingest(ctx, IngestRequest{Content: "hello team", SourceType: model.SourceCommunication})
	if err != nil {
		t.Fatal(err)
	}
	doc, _ := env.docs.FindByID(ctx, res.DocumentID)
	if !doc.Encrypted {
		t.Fatal("confidential source stored in plaintext")
	}
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) (*extract.Result, error) {
	return nil, errors.New("model offline")
}

func TestExtractionFailureLeavesDocumentSearchable(t *testing.T) {
	env := newEnv(t, func(_ *testEnv, _ *Options, ex *extract.Extractor, _ *storage.BlobStore) {
		*ex = failingExtractor{}
	})
	ctx := context.Background()
	res, err := env.p.Ingest(ctx, IngestRequest{Title: "Quarterly plan", Content: "budget review for the quarter"})
	if err != nil {
		t.Fatalf("ingest should succeed despite extraction failure: %v", err)
	}
	if !res.Success || res.Status != model.DocumentPartial || len(res.FailedStages) != 1 || res.FailedStages[0] != model.StageExtract {
		t.Fatalf("result = %+v", res)
	}
	doc, _ := env.docs.FindByID(ctx, res.DocumentID)
	if doc.Status != model.DocumentPartial || doc.FailedStages != model.StageExtract {
		t.Fatalf("stored status = %s/%s", doc.Status, doc.FailedStages)
	}
	hits, _ := env.index.Search(ctx, search.Query{Text: "budget"})
	if hits.Total != 1 || hits.Hits[0].ID != res.DocumentID {
		t.Fatalf("raw content not searchable: %+v", hits)
	}
}

type flakyBlobs struct {
	storage.BlobStore
	puts atomic.Int32
}

func (f *flakyBlobs) Exists(context.Context, string) (bool, error) { return false, nil }

func (f *flakyBlobs) Put(context.Context, string, []byte, string) error {
	f.puts.Add(1)
	return errors.New("disk full")
}

func TestStorageFailureIsRetriedThenFatal(t *testing.T) {
	flaky := &flakyBlobs{}
	env := newEnv(t, func(_ *testEnv, o *Options, _ *extract.Extractor, b *storage.BlobStore) {
		o.StorageAttempts = 3
		*b = flaky
	})
	_, err := env.p.Ingest(context.Background(), IngestRequest{Content: "x"})
	if !errors.Is(err, model.ErrStorage) || model.FailedStage(err) != model.StageStore {
		t.Fatalf("err = %v", err)
	}
	if got := flaky.puts.Load(); got != 3 {
		t.Fatalf("puts = %d, want 3", got)
	}
	if _, total, _ := env.docs.List(context.Background(), model.DocumentFilter{}); total != 0 {
		t.Fatal("document record written despite storage failure")
	}
}

func TestModifiedFileSupersedesOldVersion(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	path := "/notes/plan.md"
	if err := afero.WriteFile(env.fs, path, []byte("first draft about kafka"), 0o644); err != nil {
		t.Fatal(err)
	}
	v1, err := env.p.Ingest(ctx, IngestRequest{FilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(env.fs, path, []byte("second draft about redis"), 0o644); err != nil {
		t.Fatal(err)
	}
	v2, err := env.p.Ingest(ctx, IngestRequest{FilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	if v1.DocumentID == v2.DocumentID {
		t.Fatal("changed content must produce a new document")
	}
	if _, err := env.docs.FindByID(ctx, v1.DocumentID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("old version still present: %v", err)
	}
	if h, _ := env.index.Search(ctx, search.Query{Text: "first"}); h.Total != 0 {
		t.Fatal("old version still indexed")
	}
	doc, _ := env.docs.FindByID(ctx, v2.DocumentID)
	if doc.Title != "plan.md" || doc.ContentType != "text/markdown" {
		t.Fatalf("doc = %+v", doc)
	}

	n, err := env.p.DeleteByPath(ctx, path)
	if err != nil || n != 1 {
		t.Fatalf("DeleteByPath = %d, %v", n, err)
	}
	if env.index.Len() != 0 {
		t.Fatal("index not cleaned up")
	}
}

func TestIngestValidation(t *testing.T) {
	env := newEnv(t, func(_ *testEnv, o *Options, _ *extract.Extractor, _ *storage.BlobStore) {
		o.MaxDocumentBytes = 8
	})
	cases := map[string]IngestRequest{
		"empty":        {},
		"bad source":   {Content: "x", SourceType: "fax"},
		"too large":    {Content: "0123456789"},
		"missing file": {FilePath: "/nope.txt"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.p.Ingest(context.Background(), req); !errors.Is(err, model.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestIngestPublishesEvents(t *testing.T) {
	env := newEnv(t)
	sub := env.bus.Subscribe(model.EventDocumentIngested, model.EventEntityExtracted)
	defer sub.Close()
	res, err := env.p.Ingest(context.Background(), IngestRequest{Content: sampleText})
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[model.SyncEventKind]bool{}
	for len(sub.C) > 0 {
		ev := <-sub.C
		kinds[ev.Kind] = true
		if ev.Payload["documentId"] != res.DocumentID {
			t.Fatalf("payload = %v", ev.Payload)
		}
	}
	if !kinds[model.EventDocumentIngested] || !kinds[model.EventEntityExtracted] {
		t.Fatalf("events = %v", kinds)
	}
}

func TestRebuildIndex(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	for _, c := range []string{"alpha notes", "beta notes", "gamma notes"} {
		if _, err := env.p.Ingest(ctx, IngestRequest{Content: c, Encrypted: c == "beta notes"}); err != nil {
			t.Fatal(err)
		}
	}
	fresh := search.NewMemoryIndex(120)
	env.p.index = fresh
	n, err := env.p.RebuildIndex(ctx)
	if err != nil || n != 3 {
		t.Fatalf("RebuildIndex = %d, %v", n, err)
	}
	if h, _ := fresh.Search(ctx, search.Query{Text: "notes"}); h.Total != 3 {
		t.Fatalf("rebuilt index total = %d", h.Total)
	}
	if h, _ := fresh.Search(ctx, search.Query{Text: "beta"}); h.Total != 1 {
		t.Fatal("encrypted document not reindexed from plaintext")
	}
}

// gatedExtractor 在 release 关闭前一直阻塞，并且不理会 ctx。
type gatedExtractor struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	next    extract.Extractor
}

func newGatedExtractor() *gatedExtractor {
	return &gatedExtractor{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		next:    extract.NewRuleExtractor(extract.RuleOptions{}),
	}
}

func (g *gatedExtractor) Extract(ctx context.Context, text string) (*extract.Result, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.next.Extract(context.Background(), text)
}

func TestSlowStepIsAbandonedAtTimeout(t *testing.T) {
	gate := newGatedExtractor()
	defer close(gate.release)
	env := newEnv(t, func(_ *testEnv, o *Options, ex *extract.Extractor, _ *storage.BlobStore) {
		o.StepTimeout = 50 * time.Millisecond
		*ex = gate
	})
	ctx := context.Background()

	start := time.Now()
	res, err := env.p.Ingest(ctx, IngestRequest{Title: "Slow", Content: "budget review for the quarter"})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ingest waited %v for a stalled extractor", elapsed)
	}
	if res.Status != model.DocumentPartial || len(res.FailedStages) != 1 || res.FailedStages[0] != model.StageExtract {
		t.Fatalf("result = %+v", res)
	}
	if hits, _ := env.index.Search(ctx, search.Query{Text: "budget"}); hits.Total != 1 {
		t.Fatal("document not indexed after extraction timed out")
	}
}

func TestCallerCancellationDoesNotFailSharedIngest(t *testing.T) {
	gate := newGatedExtractor()
	env := newEnv(t, func(_ *testEnv, _ *Options, ex *extract.Extractor, _ *storage.BlobStore) {
		*ex = gate
	})
	req := IngestRequest{Content: sampleText, FilePath: "/notes/shared.txt"}

	type outcome struct {
		res *IngestResult
		err error
	}
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	first := make(chan outcome, 1)
	go func() {
		res, err := env.p.Ingest(firstCtx, req)
		first <- outcome{res, err}
	}()
	<-gate.entered

	second := make(chan outcome, 1)
	go func() {
		res, err := env.p.Ingest(context.Background(), req)
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	close(gate.release)

	got := <-second
	<-first
	if got.err != nil {
		t.Fatalf("second caller: %v", got.err)
	}
	if got.res.Status != model.DocumentIndexed || len(got.res.FailedStages) != 0 {
		t.Fatalf("second caller result = %+v", got.res)
	}
	doc, err := env.docs.FindByID(context.Background(), got.res.DocumentID)
	if err != nil || doc.Status != model.DocumentIndexed {
		t.Fatalf("stored document = %+v, %v", doc, err)
	}
}
