package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/logging"
	"github.com/docsift/docsift/internal/model"
)

type correctClassificationRequest struct {
	Classification string `json:"classification" validate:"required"`
}

// HandleCorrectClassification returns a handler for
// PATCH /api/documents/{id}/classification. The manual label wins over any
// in-flight or later ML verdict.
func HandleCorrectClassification(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r)
		if !ok {
			return
		}

		var req correctClassificationRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if fieldErrs := checkStruct(req); fieldErrs != nil {
			WriteValidationFailed(w, fieldErrs)
			return
		}

		applied, err := deps.Store.CorrectClassification(r.Context(), id, req.Classification)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		if !applied {
			WriteError(w, http.StatusNotFound, "document not found")
			return
		}

		doc, err := deps.Store.GetByID(r.Context(), id)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}

// HandleRetryDocument returns a handler for POST /api/documents/{id}/retry.
// The classification state is reset to unclassified and a fresh job is
// published.
func HandleRetryDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r)
		if !ok {
			return
		}

		reset, err := deps.Store.ResetClassification(r.Context(), id)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		if !reset {
			WriteError(w, http.StatusNotFound, "document not found")
			return
		}

		// Reset cleared ocrStoragePath; drop the stale artifact too.
		if err := deps.Blobs.RemoveOCR(id); err != nil {
			deps.Log.Warn("remove ocr artifact", zap.String("documentId", id), zap.Error(err))
		}

		msg := model.DocumentMessage{
			DocumentID:    id,
			Action:        model.ActionClassify,
			CorrelationID: logging.CorrelationID(r.Context()),
		}
		if err := deps.Publisher.PublishDocument(r.Context(), msg); err != nil {
			deps.Log.Error("publish retry job",
				zap.String("documentId", id),
				zap.Error(err),
				logging.CorrelationField(r.Context()))
			WriteError(w, http.StatusInternalServerError, "failed to enqueue classification job")
			return
		}

		doc, err := deps.Store.GetByID(r.Context(), id)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}
