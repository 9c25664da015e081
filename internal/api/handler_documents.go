package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/blob"
	"github.com/docsift/docsift/internal/logging"
	"github.com/docsift/docsift/internal/model"
)

// HandleUploadDocument returns a handler for POST /api/documents/upload.
// The multipart form must carry a "file" part; an optional "metadata" part
// holds a JSON object of string values. The document is stored unclassified
// and a classification job is published.
func HandleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			switch {
			case errors.As(err, &maxErr):
				writePayloadTooLarge(w, maxErr.Limit)
			case errors.Is(err, http.ErrMissingFile):
				WriteValidationFailed(w, fieldError(".file", "is required"))
			default:
				WriteError(w, http.StatusBadRequest, "invalid multipart form")
			}
			return
		}
		defer file.Close()

		if header.Filename == "" {
			WriteValidationFailed(w, fieldError(".file", "filename is required"))
			return
		}
		if strings.ContainsAny(header.Filename, `/\`) {
			WriteValidationFailed(w, fieldError(".file", "filename must not contain path separators"))
			return
		}

		metadata := map[string]string{}
		if raw := r.FormValue("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
				WriteValidationFailed(w, fieldError(".metadata", "must be a JSON object of string values"))
				return
			}
		}

		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		id := uuid.NewString()
		key := blob.DocumentKey(deps.Now(), id, header.Filename)

		size, hash, err := deps.Blobs.Save(key, file)
		if err != nil {
			deps.Log.Error("store upload blob",
				zap.String("documentId", id),
				zap.Error(err),
				logging.CorrelationField(r.Context()))
			WriteError(w, http.StatusInternalServerError, "failed to store file")
			return
		}

		doc := &model.Document{
			ID:               id,
			StoragePath:      key,
			OriginalFilename: header.Filename,
			MimeType:         mimeType,
			FileSizeBytes:    size,
			Metadata:         metadata,
			ContentHash:      hash,
		}
		stored, err := deps.Store.Insert(r.Context(), doc)
		if err != nil {
			if removeErr := deps.Blobs.Remove(key); removeErr != nil {
				deps.Log.Warn("remove orphaned blob", zap.String("storagePath", key), zap.Error(removeErr))
			}
			writeStoreError(w, deps.Log, err)
			return
		}
		deps.Metrics.UploadsTotal.Inc()

		msg := model.DocumentMessage{
			DocumentID:    stored.ID,
			Action:        model.ActionClassify,
			CorrelationID: logging.CorrelationID(r.Context()),
		}
		if err := deps.Publisher.PublishDocument(r.Context(), msg); err != nil {
			// The document is stored; a retry or the sweeper re-enqueues it.
			deps.Log.Warn("publish classification job",
				zap.String("documentId", stored.ID),
				zap.Error(err),
				logging.CorrelationField(r.Context()))
		}

		WriteJSON(w, http.StatusOK, stored)
	}
}

// HandleListDocuments returns a handler for GET /api/documents.
func HandleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, fieldErrs := ParsePagination(r)
		if fieldErrs != nil {
			WriteValidationFailed(w, fieldErrs)
			return
		}

		classification := r.URL.Query().Get("classification")
		docs, err := deps.Store.List(r.Context(), classification, page.Limit, page.Offset)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		if docs == nil {
			docs = []model.Document{}
		}
		WriteJSON(w, http.StatusOK, docs)
	}
}

// HandleSearchDocuments returns a handler for GET /api/documents/search.
// Query parameters of the form metadata.K=V select documents whose metadata
// contains every pair.
func HandleSearchDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, fieldErrs := ParsePagination(r)
		pairs, pairErrs := MetadataPairs(r)
		if len(pairErrs) > 0 {
			if fieldErrs == nil {
				fieldErrs = map[string][]string{}
			}
			for path, msgs := range pairErrs {
				fieldErrs[path] = append(fieldErrs[path], msgs...)
			}
		}
		if len(fieldErrs) > 0 {
			WriteValidationFailed(w, fieldErrs)
			return
		}

		docs, err := deps.Store.SearchMetadata(r.Context(), pairs, page.Limit)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		if docs == nil {
			docs = []model.Document{}
		}
		WriteJSON(w, http.StatusOK, docs)
	}
}

// HandleGetDocument returns a handler for GET /api/documents/{id}.
func HandleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r)
		if !ok {
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

// HandleDownloadDocument returns a handler for GET /api/documents/{id}/download.
// Replies carry an ETag derived from the content hash and honor If-None-Match.
func HandleDownloadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r)
		if !ok {
			return
		}
		doc, err := deps.Store.GetByID(r.Context(), id)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}

		if doc.ContentHash != "" {
			etag := `"` + doc.ContentHash + `"`
			w.Header().Set("ETag", etag)
			if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}

		f, err := deps.Blobs.Open(doc.StoragePath)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				deps.Log.Warn("document blob missing",
					zap.String("documentId", doc.ID),
					zap.String("storagePath", doc.StoragePath))
				WriteError(w, http.StatusNotFound, "document content not found")
				return
			}
			deps.Log.Error("open document blob", zap.String("documentId", doc.ID), zap.Error(err))
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", doc.MimeType)
		w.Header().Set("Content-Length", strconv.FormatInt(doc.FileSizeBytes, 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.OriginalFilename))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			deps.Log.Warn("stream document", zap.String("documentId", doc.ID), zap.Error(err))
		}
	}
}

// HandleGetOCR returns a handler for GET /api/documents/{id}/ocr.
func HandleGetOCR(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r)
		if !ok {
			return
		}
		doc, err := deps.Store.GetByID(r.Context(), id)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		if doc.OCRStoragePath == nil {
			WriteError(w, http.StatusNotFound, "no OCR results for document")
			return
		}

		f, err := deps.Blobs.Open(*doc.OCRStoragePath)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "no OCR results for document")
				return
			}
			deps.Log.Error("open ocr artifact", zap.String("documentId", doc.ID), zap.Error(err))
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			deps.Log.Warn("stream ocr artifact", zap.String("documentId", doc.ID), zap.Error(err))
		}
	}
}

// HandleDeleteDocument returns a handler for DELETE /api/documents/{id}.
// The row is removed first; blob cleanup afterwards is best-effort.
func HandleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireUUIDPathParam(w, r)
		if !ok {
			return
		}
		doc, err := deps.Store.GetByID(r.Context(), id)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}

		deleted, err := deps.Store.Delete(r.Context(), id)
		if err != nil {
			writeStoreError(w, deps.Log, err)
			return
		}
		if !deleted {
			WriteError(w, http.StatusNotFound, "document not found")
			return
		}

		if err := deps.Blobs.Remove(doc.StoragePath); err != nil {
			deps.Log.Warn("remove document blob",
				zap.String("documentId", id),
				zap.String("storagePath", doc.StoragePath),
				zap.Error(err))
		}
		if err := deps.Blobs.RemoveOCR(id); err != nil {
			deps.Log.Warn("remove ocr artifact", zap.String("documentId", id), zap.Error(err))
		}
		deps.Metrics.DocumentsDeletedTotal.Inc()

		w.WriteHeader(http.StatusNoContent)
	}
}
