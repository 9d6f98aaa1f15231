package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/tesserai/tessera/engine/cache"
	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/docstore"
	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/embed"
	"github.com/tesserai/tessera/engine/metastore"
	"github.com/tesserai/tessera/engine/semantic"
	"github.com/tesserai/tessera/pkg/media"
)

type fakePoints struct {
	upserts []*pb.UpsertPoints
	deletes []*pb.DeletePoints
}

func (f *fakePoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.upserts = append(f.upserts, in)
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.deletes = append(f.deletes, in)
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return &pb.SearchResponse{}, nil
}

func (f *fakePoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return &pb.CountResponse{}, nil
}

func (f *fakePoints) upsertedIDs() []string {
	var ids []string
	for _, req := range f.upserts {
		for _, p := range req.GetPoints() {
			ids = append(ids, p.GetId().GetUuid())
		}
	}
	return ids
}

type fakeCols struct{}

func (fakeCols) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return &pb.ListCollectionsResponse{}, nil
}

func (fakeCols) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, nil
}

func (fakeCols) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, nil
}

type fakeMeta struct {
	rows       map[string]metastore.Row
	deletedIDs []string
	baseRefs   []string
	failWith   error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{rows: make(map[string]metastore.Row)}
}

func (f *fakeMeta) UpsertBatch(_ context.Context, _ domain.Modality, rows []metastore.Row) error {
	if f.failWith != nil {
		return f.failWith
	}
	for _, r := range rows {
		f.rows[r.NodeID] = r
	}
	return nil
}

func (f *fakeMeta) DeleteByNodeIDs(_ context.Context, _ domain.Modality, ids []string) error {
	f.deletedIDs = append(f.deletedIDs, ids...)
	for _, id := range ids {
		delete(f.rows, id)
	}
	return nil
}

func (f *fakeMeta) DeleteByBaseSource(_ context.Context, _ domain.Modality, _ string) ([]string, error) {
	return f.baseRefs, nil
}

type fixture struct {
	pipe   *Pipeline
	points *fakePoints
	meta   *fakeMeta
	docs   *docstore.Manager
	caches *cache.Manager
	vec    *semantic.Manager
	redis  *miniredis.Miniredis
}

func newFixture(t *testing.T, canceled func() bool) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	keys := map[domain.Modality]string{domain.ModalityText: "sp_te"}

	points := &fakePoints{}
	vec := semantic.NewManagerWithStores(map[domain.Modality]*semantic.Store{
		domain.ModalityText: semantic.NewStoreWithClients(points, fakeCols{}, "pj__kb__sp_te__vec", 8),
	})
	emb := embed.NewManagerWithEncoders(map[domain.Modality]embed.Encoder{
		domain.ModalityText: embed.NewMockEncoder(8),
	}, 4)
	meta := newFakeMeta()
	docs := docstore.NewManagerWithClient(rdb, "pj", "kb", keys, discardLogger())
	caches := cache.NewManagerWithClient(rdb, "pj", "kb", keys, discardLogger())

	p := New(Deps{
		Config:     config.Ingest{ChunkSize: 64, ChunkOverlap: 8, BatchSize: 4},
		Embedder:   emb,
		Vectors:    vec,
		Docs:       docs,
		Cache:      caches,
		Meta:       meta,
		IsCanceled: canceled,
		Logger:     discardLogger(),
	})
	return &fixture{pipe: p, points: points, meta: meta, docs: docs, caches: caches, vec: vec, redis: mr}
}

func TestRunCommitsTextDocuments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := []domain.Document{
		textDoc("/kb/a.txt", "Alpha body text. More alpha."),
		textDoc("/kb/b.txt", "Beta body text. More beta."),
	}

	stats, err := f.pipe.Run(ctx, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Documents != 2 || stats.Duplicates != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Committed == 0 || stats.Committed != stats.Nodes || stats.Embedded != stats.Nodes {
		t.Fatalf("stats = %+v", stats)
	}

	ids := f.points.upsertedIDs()
	if len(ids) != stats.Committed {
		t.Fatalf("vector ids = %d, committed = %d", len(ids), stats.Committed)
	}
	for _, req := range f.points.upserts {
		for _, pt := range req.GetPoints() {
			if got := len(pt.GetVectors().GetVector().GetData()); got != 8 {
				t.Fatalf("vector dim = %d", got)
			}
		}
	}

	store, _ := f.docs.Store(domain.ModalityText)
	n, err := store.Count(ctx)
	if err != nil || int(n) != stats.Committed {
		t.Fatalf("docstore count = %d, %v", n, err)
	}
	if len(f.meta.rows) != stats.Committed {
		t.Fatalf("meta rows = %d", len(f.meta.rows))
	}

	// Ref entries carry the document hash for the next run's filter.
	for _, d := range in {
		hash, ok, err := store.CurrentHash(ctx, d.RefDocID())
		if err != nil || !ok || hash != d.Meta.Fingerprint() {
			t.Fatalf("CurrentHash(%s) = (%q, %v, %v)", d.RefDocID(), hash, ok, err)
		}
	}

	// Every committed node is cached for resume.
	ic, _ := f.caches.Cache(domain.ModalityText)
	cached, err := ic.Len(ctx)
	if err != nil || int(cached) != stats.Committed {
		t.Fatalf("cache len = %d, %v", cached, err)
	}
}

func TestRunSkipsUnchangedDocuments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := []domain.Document{textDoc("/kb/a.txt", "Alpha body text.")}

	if _, err := f.pipe.Run(ctx, in); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstUpserts := len(f.points.upserts)

	// checkUpdate bypasses the in-memory fingerprint cache, so the
	// skip must come from the docstore ref hash.
	f.pipe.checkUpdate = true
	stats, err := f.pipe.Run(ctx, in)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Duplicates != 1 || stats.Committed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(f.points.upserts) != firstUpserts {
		t.Fatal("second run wrote vectors")
	}
}

func TestRunFingerprintCacheShortCircuits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := textDoc("/kb/a.txt", "Alpha body text.")

	if _, err := f.pipe.Run(ctx, []domain.Document{d}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Wipe Redis: the in-memory fingerprint cache alone must skip the
	// source, without consulting docstore refs.
	f.redis.FlushAll()

	stats, err := f.pipe.Run(ctx, []domain.Document{d})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Duplicates != 1 || stats.Committed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunChangedDocumentReingested(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.pipe.Run(ctx, []domain.Document{textDoc("/kb/a.txt", "Version one.")}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	changed := textDoc("/kb/a.txt", "Version two, different.")
	changed.Meta.FileLastModAt = 1800000000
	stats, err := f.pipe.Run(ctx, []domain.Document{changed})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Duplicates != 0 || stats.Committed == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunEmbedFailureWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("encoder down")
	enc := embed.NewMockEncoder(8)
	enc.FailWith = boom
	f.pipe.embed = embed.NewManagerWithEncoders(map[domain.Modality]embed.Encoder{
		domain.ModalityText: enc,
	}, 4)

	_, err := f.pipe.Run(context.Background(), []domain.Document{textDoc("/kb/a.txt", "Alpha.")})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(f.points.upserts) != 0 || len(f.meta.rows) != 0 {
		t.Fatal("failed embed still wrote stores")
	}
	store, _ := f.docs.Store(domain.ModalityText)
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Fatalf("docstore count = %d", n)
	}
}

func TestRunRollsBackOnMetaFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.meta.failWith = errors.New("pg down")
	ctx := context.Background()
	d := textDoc("/kb/a.txt", "Alpha.")

	_, err := f.pipe.Run(ctx, []domain.Document{d})
	if !errors.Is(err, f.meta.failWith) {
		t.Fatalf("err = %v", err)
	}

	// Vectors were written first, then deleted by the rollback.
	if len(f.points.upserts) == 0 || len(f.points.deletes) == 0 {
		t.Fatalf("upserts=%d deletes=%d", len(f.points.upserts), len(f.points.deletes))
	}
	store, _ := f.docs.Store(domain.ModalityText)
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("docstore count after rollback = %d", n)
	}
	if _, ok, _ := store.CurrentHash(ctx, d.RefDocID()); ok {
		t.Fatal("ref entry exists after rollback")
	}
	ic, _ := f.caches.Cache(domain.ModalityText)
	if n, _ := ic.Len(ctx); n != 0 {
		t.Fatalf("cache len after rollback = %d", n)
	}
}

func TestRunResumesFromIngestCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := textDoc("/kb/a.txt", "Short.")

	// A crash between commit and ref update leaves cache entries but
	// no ref. Prime the cache as that crash would have.
	fp := d.Meta.Fingerprint()
	ic, _ := f.caches.Cache(domain.ModalityText)
	if err := ic.Put(ctx, fp, []string{domain.NodeID(fp)}); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	stats, err := f.pipe.Run(ctx, []domain.Document{d})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.CacheHits != 1 || stats.Embedded != 0 || stats.Committed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	// The ref update still lands, completing the interrupted run.
	store, _ := f.docs.Store(domain.ModalityText)
	hash, ok, err := store.CurrentHash(ctx, d.RefDocID())
	if err != nil || !ok || hash != fp {
		t.Fatalf("CurrentHash = (%q, %v, %v)", hash, ok, err)
	}
}

func TestRunSkipsDisabledModalities(t *testing.T) {
	f := newFixture(t, nil)
	img := domain.Document{
		MediaPath: "/tmp/x.png",
		Modality:  domain.ModalityImage,
		Meta:      domain.BasicMeta{FilePath: "/tmp/x.png", FileSize: 4},
	}
	stats, err := f.pipe.Run(context.Background(), []domain.Document{img})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Unsupported != 1 || stats.Committed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunCanceledBeforeWork(t *testing.T) {
	f := newFixture(t, func() bool { return true })
	stats, err := f.pipe.Run(context.Background(), []domain.Document{textDoc("/kb/a.txt", "Alpha.")})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v", err)
	}
	if stats.Committed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(f.points.upserts) != 0 {
		t.Fatal("canceled run wrote vectors")
	}
}

func TestRunEmptyInput(t *testing.T) {
	f := newFixture(t, nil)
	stats, err := f.pipe.Run(context.Background(), nil)
	if err != nil || stats.Documents != 0 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
}

func probeJSON(durationSec string) []byte {
	return []byte(`{"format":{"duration":"` + durationSec + `","format_name":"mp3"},"streams":[{"codec_type":"audio"}]}`)
}

func mediaPipeline(t *testing.T, run func(ctx context.Context, name string, args ...string) ([]byte, error)) *Pipeline {
	t.Helper()
	return New(Deps{
		Config: config.Ingest{AudioChunkSeconds: 10, VideoChunkSeconds: 30, AudioSampleRate: 16000, AudioBitrate: "64k"},
		Media:  media.NewWithRunner("ffmpeg", "ffprobe", discardLogger(), run),
		TmpDir: t.TempDir(),
		Logger: discardLogger(),
	})
}

func TestSplitMediaSegments(t *testing.T) {
	var sliced []string
	p := mediaPipeline(t, func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name == "ffprobe" {
			return probeJSON("25.0"), nil
		}
		sliced = append(sliced, args[len(args)-1])
		return nil, nil
	})

	d := domain.Document{
		MediaPath: "/rec/talk.mp3",
		Modality:  domain.ModalityAudio,
		Meta:      domain.BasicMeta{FilePath: "/rec/talk.mp3", FileSize: 9, FileLastModAt: 1700000000},
	}
	nodes, err := p.explode(context.Background(), sourceOfDoc(d))
	if err != nil {
		t.Fatalf("explode: %v", err)
	}
	if len(nodes) != 3 || len(sliced) != 3 {
		t.Fatalf("nodes=%d slices=%d", len(nodes), len(sliced))
	}
	seen := map[string]bool{}
	for i, n := range nodes {
		if n.Meta.ChunkNo != i {
			t.Fatalf("node %d chunk_no = %d", i, n.Meta.ChunkNo)
		}
		if n.Meta.TempFilePath == "" || n.Meta.TempFilePath != n.MediaPath {
			t.Fatalf("node %d temp path = %q media = %q", i, n.Meta.TempFilePath, n.MediaPath)
		}
		if n.Meta.BaseSource != "/rec/talk.mp3" {
			t.Fatalf("node %d base source = %q", i, n.Meta.BaseSource)
		}
		if n.ID == "" || seen[n.ID] {
			t.Fatalf("node %d id = %q", i, n.ID)
		}
		seen[n.ID] = true
	}
}

func TestSplitMediaShortFileStaysWhole(t *testing.T) {
	p := mediaPipeline(t, func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "ffprobe" {
			return probeJSON("7.5"), nil
		}
		t.Fatal("short file should not be sliced")
		return nil, nil
	})

	d := domain.Document{
		MediaPath: "/rec/short.mp3",
		Modality:  domain.ModalityAudio,
		Meta:      domain.BasicMeta{FilePath: "/rec/short.mp3", FileSize: 3},
	}
	nodes, err := p.explode(context.Background(), sourceOfDoc(d))
	if err != nil || len(nodes) != 1 {
		t.Fatalf("nodes=%d err=%v", len(nodes), err)
	}
	if nodes[0].Meta.ChunkNo != 0 || nodes[0].MediaPath != "/rec/short.mp3" {
		t.Fatalf("node = %+v", nodes[0])
	}
}

func TestSplitMediaProbeFailureDegradesToWhole(t *testing.T) {
	p := mediaPipeline(t, func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, errors.New("ffprobe missing")
	})

	d := domain.Document{
		MediaPath: "/rec/x.mp3",
		Modality:  domain.ModalityAudio,
		Meta:      domain.BasicMeta{FilePath: "/rec/x.mp3", FileSize: 3},
	}
	nodes, err := p.explode(context.Background(), sourceOfDoc(d))
	if err != nil || len(nodes) != 1 {
		t.Fatalf("nodes=%d err=%v", len(nodes), err)
	}
}

func TestSplitMediaSliceFailureDegradesToWhole(t *testing.T) {
	calls := 0
	p := mediaPipeline(t, func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "ffprobe" {
			return probeJSON("25.0"), nil
		}
		calls++
		if calls == 2 {
			return nil, errors.New("disk full")
		}
		return nil, nil
	})

	d := domain.Document{
		MediaPath: "/rec/x.mp3",
		Modality:  domain.ModalityAudio,
		Meta:      domain.BasicMeta{FilePath: "/rec/x.mp3", FileSize: 3},
	}
	nodes, err := p.explode(context.Background(), sourceOfDoc(d))
	if err != nil || len(nodes) != 1 {
		t.Fatalf("nodes=%d err=%v", len(nodes), err)
	}
	if nodes[0].Meta.TempFilePath != "" {
		t.Fatalf("whole-file node kept temp path %q", nodes[0].Meta.TempFilePath)
	}
}

func TestRunVideoFallbackIngestsFrames(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	keys := map[domain.Modality]string{domain.ModalityImage: "sp_im"}

	points := &fakePoints{}
	vec := semantic.NewManagerWithStores(map[domain.Modality]*semantic.Store{
		domain.ModalityImage: semantic.NewStoreWithClients(points, fakeCols{}, "pj__kb__sp_im__vec", 8),
	})
	meta := newFakeMeta()

	tools := media.NewWithRunner("ffmpeg", "ffprobe", discardLogger(), func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "ffprobe" {
			return probeJSON("25.0"), nil
		}
		return nil, nil
	})

	p := New(Deps{
		Config:        config.Ingest{BatchSize: 4, VideoChunkSeconds: 10},
		VideoFallback: true,
		Embedder: embed.NewManagerWithEncoders(map[domain.Modality]embed.Encoder{
			domain.ModalityImage: embed.NewMockEncoder(8),
		}, 4),
		Vectors: vec,
		Docs:    docstore.NewManagerWithClient(rdb, "pj", "kb", keys, discardLogger()),
		Cache:   cache.NewManagerWithClient(rdb, "pj", "kb", keys, discardLogger()),
		Meta:    meta,
		Media:   tools,
		TmpDir:  t.TempDir(),
		Logger:  discardLogger(),
	})

	video := domain.Document{
		MediaPath: "/rec/clip.mp4",
		Modality:  domain.ModalityVideo,
		Meta:      domain.BasicMeta{FilePath: "/rec/clip.mp4", FileSize: 12, FileLastModAt: 1700000000},
	}
	stats, err := p.Run(context.Background(), []domain.Document{video})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Unsupported != 0 || stats.Nodes != 3 || stats.Committed != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := len(points.upsertedIDs()); got != 3 {
		t.Fatalf("image-space vectors = %d", got)
	}
	// Frames keep the video modality tag so queries can tell them from
	// ingested images.
	for _, r := range meta.rows {
		if r.Modality != domain.ModalityVideo {
			t.Fatalf("row modality = %s", r.Modality)
		}
	}
}

func TestRunVideoWithoutFallbackSkipped(t *testing.T) {
	f := newFixture(t, nil)
	video := domain.Document{
		MediaPath: "/rec/clip.mp4",
		Modality:  domain.ModalityVideo,
		Meta:      domain.BasicMeta{FilePath: "/rec/clip.mp4", FileSize: 12},
	}
	stats, err := f.pipe.Run(context.Background(), []domain.Document{video})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Unsupported != 1 || stats.Committed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDeleteSourceCascades(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := textDoc("/kb/a.txt", "Alpha body.")

	if _, err := f.pipe.Run(ctx, []domain.Document{d}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.meta.baseRefs = []string{d.RefDocID()}

	if err := f.pipe.DeleteSource(ctx, domain.ModalityText, "/kb/a.txt"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if len(f.points.deletes) == 0 {
		t.Fatal("no vector delete issued")
	}
	store, _ := f.docs.Store(domain.ModalityText)
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("docstore count = %d", n)
	}
	if _, ok, _ := store.CurrentHash(ctx, d.RefDocID()); ok {
		t.Fatal("ref survived delete")
	}
	ic, _ := f.caches.Cache(domain.ModalityText)
	if n, _ := ic.Len(ctx); n != 0 {
		t.Fatalf("cache len = %d", n)
	}
}
