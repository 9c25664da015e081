package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/docsift/docsift/internal/model"
)

// DocumentRepo is the source of truth for documents. The conditional
// classification update is the serialization point that makes duplicate
// worker deliveries safe.
type DocumentRepo struct {
	db *sqlx.DB

	// now is injectable for tests.
	now func() time.Time
}

// NewDocumentRepo creates a DocumentRepo on the given connection.
func NewDocumentRepo(db *sqlx.DB) *DocumentRepo {
	return &DocumentRepo{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// docRow mirrors the documents table. Timestamps are stored as UnixNano so
// both backends order and compare them identically.
type docRow struct {
	ID                   string          `db:"id"`
	StoragePath          string          `db:"storage_path"`
	OriginalFilename     string          `db:"original_filename"`
	MimeType             string          `db:"mime_type"`
	FileSizeBytes        int64           `db:"file_size_bytes"`
	Classification       string          `db:"classification"`
	Confidence           sql.NullFloat64 `db:"confidence"`
	LabelScoresJSON      sql.NullString  `db:"label_scores_json"`
	ClassificationSource string          `db:"classification_source"`
	OCRStoragePath       sql.NullString  `db:"ocr_storage_path"`
	MetadataJSON         string          `db:"metadata_json"`
	ContentHash          string          `db:"content_hash"`
	CorrectedAtNs        sql.NullInt64   `db:"corrected_at_ns"`
	CreatedAtNs          int64           `db:"created_at_ns"`
	UpdatedAtNs          int64           `db:"updated_at_ns"`
}

func (r docRow) toModel() (*model.Document, error) {
	doc := &model.Document{
		ID:                   r.ID,
		StoragePath:          r.StoragePath,
		OriginalFilename:     r.OriginalFilename,
		MimeType:             r.MimeType,
		FileSizeBytes:        r.FileSizeBytes,
		Classification:       r.Classification,
		ClassificationSource: r.ClassificationSource,
		ContentHash:          r.ContentHash,
		CreatedAt:            time.Unix(0, r.CreatedAtNs).UTC(),
		UpdatedAt:            time.Unix(0, r.UpdatedAtNs).UTC(),
	}
	if r.Confidence.Valid {
		v := r.Confidence.Float64
		doc.Confidence = &v
	}
	if r.OCRStoragePath.Valid {
		v := r.OCRStoragePath.String
		doc.OCRStoragePath = &v
	}
	if r.CorrectedAtNs.Valid {
		t := time.Unix(0, r.CorrectedAtNs.Int64).UTC()
		doc.CorrectedAt = &t
	}
	doc.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(r.MetadataJSON), &doc.Metadata); err != nil {
		return nil, &IntegrityError{Err: fmt.Errorf("unmarshal metadata of %s: %w", r.ID, err)}
	}
	if r.LabelScoresJSON.Valid {
		doc.LabelScores = map[string]float64{}
		if err := json.Unmarshal([]byte(r.LabelScoresJSON.String), &doc.LabelScores); err != nil {
			return nil, &IntegrityError{Err: fmt.Errorf("unmarshal label scores of %s: %w", r.ID, err)}
		}
	}
	return doc, nil
}

// Insert persists a new document and returns it with the repository-assigned
// fields (timestamps, initial classification state) filled in.
func (r *DocumentRepo) Insert(ctx context.Context, doc *model.Document) (*model.Document, error) {
	now := r.now()

	stored := *doc
	stored.Classification = model.Unclassified
	stored.ClassificationSource = model.SourceML
	stored.Confidence = nil
	stored.LabelScores = nil
	stored.OCRStoragePath = nil
	stored.CorrectedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Metadata == nil {
		stored.Metadata = map[string]string{}
	}

	metadataJSON, err := json.Marshal(stored.Metadata)
	if err != nil {
		return nil, &IntegrityError{Err: fmt.Errorf("marshal metadata: %w", err)}
	}

	q := r.db.Rebind(`
		INSERT INTO documents (id, storage_path, original_filename, mime_type, file_size_bytes,
		                       classification, classification_source, metadata_json, content_hash,
		                       created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, q,
		stored.ID, stored.StoragePath, stored.OriginalFilename, stored.MimeType, stored.FileSizeBytes,
		stored.Classification, stored.ClassificationSource, string(metadataJSON), stored.ContentHash,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, classify(fmt.Errorf("insert document %s: %w", stored.ID, err))
	}
	return &stored, nil
}

// GetByID returns the document or ErrNotFound. A malformed id is treated as
// absent and never reaches storage.
func (r *DocumentRepo) GetByID(ctx context.Context, id string) (*model.Document, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}

	var row docRow
	q := r.db.Rebind(`SELECT * FROM documents WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(fmt.Errorf("get document %s: %w", id, err))
	}
	return row.toModel()
}

// List returns documents ordered by createdAt descending with id as the
// deterministic tiebreak. An empty classification means no filter.
func (r *DocumentRepo) List(ctx context.Context, classification string, limit, offset int) ([]model.Document, error) {
	query := `SELECT * FROM documents`
	args := []any{}
	if classification != "" {
		query += ` WHERE classification = ?`
		args = append(args, classification)
	}
	query += ` ORDER BY created_at_ns DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []docRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, classify(fmt.Errorf("list documents: %w", err))
	}
	return rowsToModels(rows)
}

// SearchMetadata returns documents whose metadata contains every supplied
// key/value pair exactly, newest first. An empty query matches none.
// Containment is checked in Go after decoding, so keys and values with
// SQL-special or Unicode content behave the same on both backends.
func (r *DocumentRepo) SearchMetadata(ctx context.Context, pairs map[string]string, limit int) ([]model.Document, error) {
	if len(pairs) == 0 {
		return []model.Document{}, nil
	}

	q := `SELECT * FROM documents ORDER BY created_at_ns DESC, id`
	rows, err := r.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, classify(fmt.Errorf("search documents: %w", err))
	}
	defer rows.Close()

	out := []model.Document{}
	for rows.Next() {
		var row docRow
		if err := rows.StructScan(&row); err != nil {
			return nil, classify(fmt.Errorf("search documents: scan: %w", err))
		}
		doc, err := row.toModel()
		if err != nil {
			return nil, err
		}
		if !metadataContains(doc.Metadata, pairs) {
			continue
		}
		out = append(out, *doc)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("search documents: %w", err))
	}
	return out, nil
}

func metadataContains(metadata, pairs map[string]string) bool {
	for k, v := range pairs {
		if got, ok := metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// ListStaleUnclassified returns unclassified documents untouched since the
// cutoff, oldest first. Staleness is judged on updatedAt so a retried
// document gets a fresh grace period.
func (r *DocumentRepo) ListStaleUnclassified(ctx context.Context, cutoff time.Time, limit int) ([]model.Document, error) {
	q := r.db.Rebind(`
		SELECT * FROM documents
		WHERE classification = ? AND updated_at_ns < ?
		ORDER BY updated_at_ns, id
		LIMIT ?
	`)
	var rows []docRow
	if err := r.db.SelectContext(ctx, &rows, q, model.Unclassified, cutoff.UnixNano(), limit); err != nil {
		return nil, classify(fmt.Errorf("list stale documents: %w", err))
	}
	return rowsToModels(rows)
}

// UpdateClassification applies an ML verdict. It is a no-op returning false
// when the document is absent, was manually corrected, or already carries an
// ML verdict; the guard runs inside the UPDATE so concurrent deliveries
// cannot both win.
func (r *DocumentRepo) UpdateClassification(ctx context.Context, id, classification string, confidence float64, ocrPath *string, labelScores map[string]float64) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	// A present score vector must contain the verdict label.
	if labelScores != nil {
		if _, ok := labelScores[classification]; !ok {
			scores := make(map[string]float64, len(labelScores)+1)
			for k, v := range labelScores {
				scores[k] = v
			}
			scores[classification] = confidence
			labelScores = scores
		}
	}

	var scoresJSON sql.NullString
	if labelScores != nil {
		data, err := json.Marshal(labelScores)
		if err != nil {
			return false, &IntegrityError{Err: fmt.Errorf("marshal label scores: %w", err)}
		}
		scoresJSON = sql.NullString{String: string(data), Valid: true}
	}

	q := r.db.Rebind(`
		UPDATE documents
		SET classification = ?, confidence = ?, label_scores_json = ?,
		    classification_source = ?, ocr_storage_path = ?, updated_at_ns = ?
		WHERE id = ? AND classification_source != ? AND classification = ?
	`)
	res, err := r.db.ExecContext(ctx, q,
		classification, confidence, scoresJSON, model.SourceML, nullString(ocrPath), r.now().UnixNano(),
		id, model.SourceManual, model.Unclassified)
	if err != nil {
		return false, classify(fmt.Errorf("update classification of %s: %w", id, err))
	}
	return rowsAffected(res)
}

// CorrectClassification applies a manual override unconditionally. The new
// label gets confidence 1.0 and a single-entry score vector, and the source
// becomes manual so later ML updates are refused.
func (r *DocumentRepo) CorrectClassification(ctx context.Context, id, newLabel string) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	scoresJSON, err := json.Marshal(map[string]float64{newLabel: 1.0})
	if err != nil {
		return false, &IntegrityError{Err: fmt.Errorf("marshal label scores: %w", err)}
	}

	now := r.now().UnixNano()
	q := r.db.Rebind(`
		UPDATE documents
		SET classification = ?, confidence = 1.0, label_scores_json = ?,
		    classification_source = ?, corrected_at_ns = ?, updated_at_ns = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(ctx, q, newLabel, string(scoresJSON), model.SourceManual, now, now, id)
	if err != nil {
		return false, classify(fmt.Errorf("correct classification of %s: %w", id, err))
	}
	return rowsAffected(res)
}

// ResetClassification returns the document to the just-uploaded state:
// unclassified, no verdict fields, source ml (so the pipeline may classify it
// again). CorrectedAt is kept as history.
func (r *DocumentRepo) ResetClassification(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	q := r.db.Rebind(`
		UPDATE documents
		SET classification = ?, confidence = NULL, label_scores_json = NULL,
		    ocr_storage_path = NULL, classification_source = ?, updated_at_ns = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(ctx, q, model.Unclassified, model.SourceML, r.now().UnixNano(), id)
	if err != nil {
		return false, classify(fmt.Errorf("reset classification of %s: %w", id, err))
	}
	return rowsAffected(res)
}

// Delete removes the document row and reports whether one was present.
func (r *DocumentRepo) Delete(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	q := r.db.Rebind(`DELETE FROM documents WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, classify(fmt.Errorf("delete document %s: %w", id, err))
	}
	return rowsAffected(res)
}

func rowsToModels(rows []docRow) ([]model.Document, error) {
	out := make([]model.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, nil
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
