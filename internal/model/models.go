// Package model defines domain structs shared across the persistence,
// queue, and worker layers.
package model

import "time"

// Classification source values.
const (
	SourceML     = "ml"
	SourceManual = "manual"
)

// Unclassified is the classification assigned at upload and restored by reset.
const Unclassified = "unclassified"

// ActionClassify is the action carried by messages that request a
// classification run for a document.
const ActionClassify = "classify"

// Document is the central entity: one uploaded file plus its classification
// state. Confidence and OCRStoragePath are nil while the document is
// unclassified.
type Document struct {
	ID                   string             `json:"id"`
	StoragePath          string             `json:"storagePath"`
	OriginalFilename     string             `json:"originalFilename"`
	MimeType             string             `json:"mimeType"`
	FileSizeBytes        int64              `json:"fileSizeBytes"`
	Classification       string             `json:"classification"`
	Confidence           *float64           `json:"confidence,omitempty"`
	LabelScores          map[string]float64 `json:"labelScores,omitempty"`
	ClassificationSource string             `json:"classificationSource"`
	OCRStoragePath       *string            `json:"ocrStoragePath,omitempty"`
	Metadata             map[string]string  `json:"metadata"`
	ContentHash          string             `json:"contentHash,omitempty"`
	CorrectedAt          *time.Time         `json:"correctedAt,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// DocumentMessage is the queue payload for one classification job. Decoders
// must tolerate unknown extra fields.
type DocumentMessage struct {
	DocumentID    string `json:"documentId"`
	Action        string `json:"action"`
	CorrelationID string `json:"correlationId,omitempty"`
}
