package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docsift/docsift/internal/model"
)

// helper: open a sqlite db in a temp dir, migrate, return a DocumentRepo.
func newTestRepo(t *testing.T) *DocumentRepo {
	t.Helper()
	db, err := Open("sqlite:" + t.TempDir() + "/docsift.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDocumentRepo(db)
}

func newTestDoc() *model.Document {
	return &model.Document{
		ID:               uuid.NewString(),
		StoragePath:      "2026/08/25/doc.pdf",
		OriginalFilename: "report.pdf",
		MimeType:         "application/pdf",
		FileSizeBytes:    1024,
		Metadata:         map[string]string{"source": "test"},
		ContentHash:      "abc123",
	}
}

func mustInsert(t *testing.T, repo *DocumentRepo, doc *model.Document) *model.Document {
	t.Helper()
	stored, err := repo.Insert(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	return stored
}

// --- insert / get ---

func TestDocumentRepo_InsertRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := newTestDoc()
	doc.Metadata = map[string]string{
		"source":   "scanner-α",
		"note":     `it's a "quoted"; DROP TABLE documents; --`,
		"path":     `C:\temp\file`,
		"unicode":  "日本語テキスト",
		"%wild%":   "100%_done",
		"newlines": "line1\nline2",
	}

	stored := mustInsert(t, repo, doc)
	if stored.Classification != model.Unclassified {
		t.Errorf("classification: got %q, want %q", stored.Classification, model.Unclassified)
	}
	if stored.ClassificationSource != model.SourceML {
		t.Errorf("source: got %q, want %q", stored.ClassificationSource, model.SourceML)
	}
	if stored.CreatedAt.IsZero() || !stored.UpdatedAt.Equal(stored.CreatedAt) {
		t.Errorf("timestamps: created %v, updated %v", stored.CreatedAt, stored.UpdatedAt)
	}
	if stored.Confidence != nil || stored.OCRStoragePath != nil {
		t.Error("unclassified document must have nil confidence and nil ocr path")
	}

	got, err := repo.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != stored.ID || got.StoragePath != stored.StoragePath ||
		got.OriginalFilename != stored.OriginalFilename || got.MimeType != stored.MimeType ||
		got.FileSizeBytes != stored.FileSizeBytes || got.ContentHash != stored.ContentHash {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, stored)
	}
	if !reflect.DeepEqual(got.Metadata, doc.Metadata) {
		t.Errorf("metadata round trip:\n got %v\nwant %v", got.Metadata, doc.Metadata)
	}
	if !got.CreatedAt.Equal(stored.CreatedAt) || !got.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Errorf("timestamp round trip: got %v/%v, want %v/%v",
			got.CreatedAt, got.UpdatedAt, stored.CreatedAt, stored.UpdatedAt)
	}
}

func TestDocumentRepo_InsertDuplicateID(t *testing.T) {
	repo := newTestRepo(t)

	doc := newTestDoc()
	mustInsert(t, repo, doc)

	_, err := repo.Insert(context.Background(), doc)
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Errorf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestDocumentRepo_GetByID_Absent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: got %v, want ErrNotFound", err)
	}
	// Malformed ids are absent, not failures, and never reach storage.
	if _, err := repo.GetByID(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("malformed id: got %v, want ErrNotFound", err)
	}
}

// --- list ---

func TestDocumentRepo_ListOrdering(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := base
	repo.now = func() time.Time { return clock }

	first := newTestDoc()
	mustInsert(t, repo, first)
	clock = base.Add(time.Microsecond)
	second := newTestDoc()
	mustInsert(t, repo, second)
	clock = base.Add(2 * time.Microsecond)
	third := newTestDoc()
	mustInsert(t, repo, third)

	docs, err := repo.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if docs[0].ID != third.ID || docs[1].ID != second.ID || docs[2].ID != first.ID {
		t.Errorf("wrong order: %s, %s, %s", docs[0].ID, docs[1].ID, docs[2].ID)
	}

	// Offset and limit.
	docs, err = repo.List(ctx, "", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != second.ID {
		t.Errorf("limit/offset: expected only %s, got %+v", second.ID, docs)
	}
}

func TestDocumentRepo_ListTiebreakOnID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	b := newTestDoc()
	b.ID = "bbbbbbbb-0000-4000-8000-000000000000"
	mustInsert(t, repo, b)
	a := newTestDoc()
	a.ID = "aaaaaaaa-0000-4000-8000-000000000000"
	mustInsert(t, repo, a)

	docs, err := repo.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != a.ID || docs[1].ID != b.ID {
		t.Errorf("equal createdAt must tiebreak on id ascending, got %+v", docs)
	}
}

func TestDocumentRepo_ListClassificationFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	invoice := mustInsert(t, repo, newTestDoc())
	mustInsert(t, repo, newTestDoc())
	if ok, err := repo.UpdateClassification(ctx, invoice.ID, "invoice", 0.9, nil, nil); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}

	docs, err := repo.List(ctx, "invoice", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != invoice.ID {
		t.Errorf("filter: expected only %s, got %+v", invoice.ID, docs)
	}

	docs, err = repo.List(ctx, "receipt", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("filter with no matches: expected empty, got %+v", docs)
	}
}

// --- metadata search ---

func TestDocumentRepo_SearchMetadata(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tagged := newTestDoc()
	tagged.Metadata = map[string]string{"customer": "acme", "year": "2026", "extra": "x"}
	mustInsert(t, repo, tagged)

	other := newTestDoc()
	other.Metadata = map[string]string{"customer": "acme", "year": "2025"}
	mustInsert(t, repo, other)

	prefix := newTestDoc()
	prefix.Metadata = map[string]string{"customer": "acme-corp", "year": "2026"}
	mustInsert(t, repo, prefix)

	// Containment: all pairs must match exactly.
	docs, err := repo.SearchMetadata(ctx, map[string]string{"customer": "acme", "year": "2026"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != tagged.ID {
		t.Errorf("expected only %s, got %+v", tagged.ID, docs)
	}

	// Empty query matches none.
	docs, err = repo.SearchMetadata(ctx, map[string]string{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("empty query: expected none, got %+v", docs)
	}
}

func TestDocumentRepo_SearchMetadataSpecialChars(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := newTestDoc()
	doc.Metadata = map[string]string{`k"ey`: `va'l; --ue`, "言語": "日本語"}
	mustInsert(t, repo, doc)

	docs, err := repo.SearchMetadata(ctx, map[string]string{`k"ey`: `va'l; --ue`, "言語": "日本語"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Errorf("expected %s, got %+v", doc.ID, docs)
	}
}

func TestDocumentRepo_SearchMetadataLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		doc := newTestDoc()
		doc.Metadata = map[string]string{"batch": "b1"}
		mustInsert(t, repo, doc)
	}

	docs, err := repo.SearchMetadata(ctx, map[string]string{"batch": "b1"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Errorf("expected 3 documents, got %d", len(docs))
	}
}

// --- stale sweep ---

func TestDocumentRepo_ListStaleUnclassified(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := base
	repo.now = func() time.Time { return clock }

	oldest := mustInsert(t, repo, newTestDoc())

	clock = base.Add(time.Minute)
	older := mustInsert(t, repo, newTestDoc())

	classified := mustInsert(t, repo, newTestDoc())
	if ok, err := repo.UpdateClassification(ctx, classified.ID, "invoice", 0.9, nil, nil); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}

	retried := mustInsert(t, repo, newTestDoc())
	if ok, err := repo.UpdateClassification(ctx, retried.ID, "invoice", 0.9, nil, nil); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	clock = base.Add(45 * time.Minute)
	if ok, err := repo.ResetClassification(ctx, retried.ID); err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}
	fresh := mustInsert(t, repo, newTestDoc())

	docs, err := repo.ListStaleUnclassified(ctx, base.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != oldest.ID || docs[1].ID != older.ID {
		t.Errorf("expected [%s %s] oldest first, got %+v", oldest.ID, older.ID, docs)
	}
	for _, d := range docs {
		// Reset and fresh inserts carry recent updatedAt stamps.
		if d.ID == retried.ID || d.ID == fresh.ID {
			t.Errorf("document %s is inside the grace period and must not be listed", d.ID)
		}
	}

	docs, err = repo.ListStaleUnclassified(ctx, base.Add(30*time.Minute), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != oldest.ID {
		t.Errorf("limit: expected only %s, got %+v", oldest.ID, docs)
	}
}

// --- classification updates ---

func TestDocumentRepo_UpdateClassification(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())
	ocrPath := doc.ID + "-ocr/ocr-results.json"

	ok, err := repo.UpdateClassification(ctx, doc.ID, "invoice", 0.95, &ocrPath,
		map[string]float64{"invoice": 0.95, "receipt": 0.03, "contract": 0.02})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first update must succeed")
	}

	got, err := repo.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Classification != "invoice" || got.ClassificationSource != model.SourceML {
		t.Errorf("got %q/%q", got.Classification, got.ClassificationSource)
	}
	if got.Confidence == nil || *got.Confidence != 0.95 {
		t.Errorf("confidence: got %v", got.Confidence)
	}
	if got.OCRStoragePath == nil || *got.OCRStoragePath != ocrPath {
		t.Errorf("ocr path: got %v", got.OCRStoragePath)
	}
	if got.LabelScores["receipt"] != 0.03 {
		t.Errorf("label scores: got %v", got.LabelScores)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Errorf("updatedAt %v must not precede createdAt %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestDocumentRepo_UpdateClassificationDuplicateDelivery(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())

	ok, err := repo.UpdateClassification(ctx, doc.ID, "invoice", 0.95, nil, nil)
	if err != nil || !ok {
		t.Fatalf("first update: ok=%v err=%v", ok, err)
	}

	// Redelivery of the same job: a prior ML verdict exists, so this is a no-op.
	ok, err = repo.UpdateClassification(ctx, doc.ID, "receipt", 0.80, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second update must return false")
	}

	got, _ := repo.GetByID(ctx, doc.ID)
	if got.Classification != "invoice" || *got.Confidence != 0.95 {
		t.Errorf("row modified by duplicate delivery: %+v", got)
	}
}

func TestDocumentRepo_UpdateClassificationManualProtected(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())
	if ok, err := repo.CorrectClassification(ctx, doc.ID, "contract"); err != nil || !ok {
		t.Fatalf("correct: ok=%v err=%v", ok, err)
	}

	ok, err := repo.UpdateClassification(ctx, doc.ID, "invoice", 0.95, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("update over a manual correction must return false")
	}

	got, _ := repo.GetByID(ctx, doc.ID)
	if got.Classification != "contract" || got.ClassificationSource != model.SourceManual {
		t.Errorf("manual correction overwritten: %+v", got)
	}
}

func TestDocumentRepo_UpdateClassificationAbsent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ok, err := repo.UpdateClassification(ctx, uuid.NewString(), "invoice", 0.9, nil, nil)
	if err != nil || ok {
		t.Errorf("absent id: ok=%v err=%v", ok, err)
	}
	ok, err = repo.UpdateClassification(ctx, "not-a-uuid", "invoice", 0.9, nil, nil)
	if err != nil || ok {
		t.Errorf("malformed id: ok=%v err=%v", ok, err)
	}
}

func TestDocumentRepo_UpdateClassificationScoresContainLabel(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())

	// Score vector missing the verdict label gets it added.
	ok, err := repo.UpdateClassification(ctx, doc.ID, "invoice", 0.95, nil,
		map[string]float64{"receipt": 0.05})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}

	got, _ := repo.GetByID(ctx, doc.ID)
	if got.LabelScores["invoice"] != 0.95 {
		t.Errorf("label scores must contain the classification: %v", got.LabelScores)
	}
}

func TestDocumentRepo_UpdateClassificationConfidenceOutOfRange(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())

	_, err := repo.UpdateClassification(ctx, doc.ID, "invoice", 1.5, nil, nil)
	if err == nil {
		t.Fatal("expected error for confidence above 1")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Errorf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestDocumentRepo_CorrectClassification(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())
	if ok, err := repo.UpdateClassification(ctx, doc.ID, "invoice", 0.95, nil, nil); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}

	ok, err := repo.CorrectClassification(ctx, doc.ID, "contract")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("correction of an existing document must return true")
	}

	got, _ := repo.GetByID(ctx, doc.ID)
	if got.Classification != "contract" || got.ClassificationSource != model.SourceManual {
		t.Errorf("got %q/%q", got.Classification, got.ClassificationSource)
	}
	if got.Confidence == nil || *got.Confidence != 1.0 {
		t.Errorf("manual confidence: got %v", got.Confidence)
	}
	if !reflect.DeepEqual(got.LabelScores, map[string]float64{"contract": 1.0}) {
		t.Errorf("label scores: got %v", got.LabelScores)
	}
	if got.CorrectedAt == nil {
		t.Error("correctedAt must be set")
	}

	if ok, err := repo.CorrectClassification(ctx, uuid.NewString(), "x"); err != nil || ok {
		t.Errorf("absent id: ok=%v err=%v", ok, err)
	}
}

func TestDocumentRepo_SourceFollowsLastSuccessfulCall(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())

	steps := []struct {
		call       string
		wantOK     bool
		wantSource string
	}{
		{"update", true, model.SourceML},
		{"correct", true, model.SourceManual},
		{"update", false, model.SourceManual},
		{"correct", true, model.SourceManual},
	}
	for i, step := range steps {
		var ok bool
		var err error
		switch step.call {
		case "update":
			ok, err = repo.UpdateClassification(ctx, doc.ID, "invoice", 0.9, nil, nil)
		case "correct":
			ok, err = repo.CorrectClassification(ctx, doc.ID, "contract")
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ok != step.wantOK {
			t.Fatalf("step %d (%s): ok=%v, want %v", i, step.call, ok, step.wantOK)
		}
		got, _ := repo.GetByID(ctx, doc.ID)
		if got.ClassificationSource != step.wantSource {
			t.Fatalf("step %d (%s): source=%q, want %q", i, step.call, got.ClassificationSource, step.wantSource)
		}
	}
}

func TestDocumentRepo_ResetClassification(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())
	if ok, err := repo.CorrectClassification(ctx, doc.ID, "contract"); err != nil || !ok {
		t.Fatalf("correct: ok=%v err=%v", ok, err)
	}

	ok, err := repo.ResetClassification(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("reset of an existing document must return true")
	}

	got, _ := repo.GetByID(ctx, doc.ID)
	if got.Classification != model.Unclassified {
		t.Errorf("classification: got %q", got.Classification)
	}
	if got.Confidence != nil || got.LabelScores != nil || got.OCRStoragePath != nil {
		t.Errorf("verdict fields must be cleared: %+v", got)
	}
	if got.ClassificationSource != model.SourceML {
		t.Errorf("reset must restore the ml source, got %q", got.ClassificationSource)
	}
	if got.CorrectedAt == nil {
		t.Error("correctedAt history must survive reset")
	}

	// The pipeline may classify the document again after a reset.
	if ok, err := repo.UpdateClassification(ctx, doc.ID, "invoice", 0.9, nil, nil); err != nil || !ok {
		t.Errorf("post-reset update: ok=%v err=%v", ok, err)
	}
}

// --- delete ---

func TestDocumentRepo_Delete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := mustInsert(t, repo, newTestDoc())

	ok, err := repo.Delete(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("delete of an existing document must return true")
	}
	if _, err := repo.GetByID(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("document still present after delete: %v", err)
	}

	ok, err = repo.Delete(ctx, doc.ID)
	if err != nil || ok {
		t.Errorf("second delete: ok=%v err=%v", ok, err)
	}
}
