package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos/testutil"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
)

// fakeBucket keeps uploads in memory.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (b *fakeBucket) UploadFile(_ context.Context, key string, _ string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = raw
	return nil
}

func (b *fakeBucket) DownloadFile(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return raw, nil
}

func (b *fakeBucket) ListFiles(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *fakeBucket) GetPublicURL(key string) string {
	return "https://cdn.test/" + key
}

func seedAssembledRun(t *testing.T, f *stepFixture) {
	t.Helper()
	seedOutline(t, f)
	for i := 1; i <= 3; i++ {
		ch, _ := json.Marshal(ChapterResult{Chapter: i, Title: fmt.Sprintf("Chapter %d", i), Text: fmt.Sprintf("Text %d.", i)})
		testutil.SeedCompletedStep(t, f.dbc.Ctx, f.dbc.Tx, f.run.ID, fmt.Sprintf("write_chapter_%d", i), string(ch))
	}
	img, _ := json.Marshal(ImageResult{Chapter: 2, URL: "https://cdn.test/ch2.png"})
	testutil.SeedCompletedStep(t, f.dbc.Ctx, f.dbc.Tx, f.run.ID, "generate_image_chapter_2", string(img))
	cover, _ := json.Marshal(ImageResult{URL: "https://cdn.test/front.png"})
	testutil.SeedCompletedStep(t, f.dbc.Ctx, f.dbc.Tx, f.run.ID, "generate_front_cover", string(cover))
}

func TestAssembleBookBuildsOrderedManifest(t *testing.T) {
	f := newStepFixture(t)
	seedAssembledRun(t, f)
	bucket := newFakeBucket()
	svc := NewAssemblyService(testutil.Logger(t), f.ledger, f.contexts, f.stories, f.progress, bucket)

	step, err := svc.AssembleBook(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("AssembleBook: %v", err)
	}
	var result AssemblyResult
	if err := json.Unmarshal(step.Detail, &result); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if result.Chapters != 3 {
		t.Errorf("chapters = %d, want 3", result.Chapters)
	}

	raw, err := bucket.DownloadFile(f.dbc.Ctx, result.ObjectKey)
	if err != nil {
		t.Fatalf("manifest not uploaded: %v", err)
	}
	var manifest BookManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest.Title != "The Moon Garden" {
		t.Errorf("title = %q", manifest.Title)
	}
	if manifest.FrontCover != "https://cdn.test/front.png" {
		t.Errorf("front cover = %q", manifest.FrontCover)
	}
	for i, ch := range manifest.Chapters {
		if ch.Chapter != i+1 {
			t.Fatalf("chapters out of order: %+v", manifest.Chapters)
		}
	}
	if manifest.Chapters[1].ImageURL != "https://cdn.test/ch2.png" {
		t.Errorf("chapter 2 image = %q", manifest.Chapters[1].ImageURL)
	}
	if manifest.Chapters[0].ImageURL != "" {
		t.Errorf("chapter 1 should have no image, got %q", manifest.Chapters[0].ImageURL)
	}
}

func TestAssembleBookNeedsChapters(t *testing.T) {
	f := newStepFixture(t)
	seedOutline(t, f)
	svc := NewAssemblyService(testutil.Logger(t), f.ledger, f.contexts, f.stories, f.progress, newFakeBucket())

	if _, err := svc.AssembleBook(f.dbc, f.run.ID); err == nil {
		t.Fatal("expected error with no completed chapters")
	}
	run, err := f.ledger.GetRun(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != wf.RunStatusFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
}
