package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/store"
)

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error())
}

// writeStoreError maps repository errors to HTTP responses following the
// error taxonomy: not-found is caller-visible at info, transient at warn,
// integrity and the rest at error.
func writeStoreError(w http.ResponseWriter, log *zap.Logger, err error) {
	if errors.Is(err, store.ErrNotFound) {
		log.Info("document not found")
		WriteError(w, http.StatusNotFound, "document not found")
		return
	}
	var transient *store.TransientError
	if errors.As(err, &transient) {
		log.Warn("storage unavailable", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	log.Error("storage failure", zap.Error(err))
	WriteError(w, http.StatusInternalServerError, "internal server error")
}
