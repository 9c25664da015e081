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
)

// --- Pagination ---

const defaultPageLimit = 50

// Pagination holds parsed limit/offset values. Bounds are enforced by the
// shared validator so list and search reject out-of-range values the same
// way.
type Pagination struct {
	Limit  int `json:"limit" validate:"min=1,max=500"`
	Offset int `json:"offset" validate:"min=0"`
}

// ParsePagination reads limit and offset from query parameters. A non-nil
// second return holds per-field validation errors.
func ParsePagination(r *http.Request) (Pagination, map[string][]string) {
	p := Pagination{Limit: defaultPageLimit}
	fieldErrs := map[string][]string{}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fieldErrs[".limit"] = append(fieldErrs[".limit"], "must be an integer")
		} else {
			p.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fieldErrs[".offset"] = append(fieldErrs[".offset"], "must be an integer")
		} else {
			p.Offset = n
		}
	}

	for path, msgs := range checkStruct(p) {
		fieldErrs[path] = append(fieldErrs[path], msgs...)
	}
	if len(fieldErrs) == 0 {
		return p, nil
	}
	return p, fieldErrs
}

// --- Metadata query pairs ---

// MetadataPairs extracts metadata.K=V search pairs from the query string.
// At least one pair is required; empty keys are rejected.
func MetadataPairs(r *http.Request) (map[string]string, map[string][]string) {
	pairs := make(map[string]string)
	for key, values := range r.URL.Query() {
		name, ok := strings.CutPrefix(key, "metadata.")
		if !ok {
			continue
		}
		if name == "" {
			return nil, fieldError(".metadata", "metadata keys must be non-empty")
		}
		if len(values) > 0 {
			pairs[name] = values[0]
		}
	}
	if len(pairs) == 0 {
		return nil, fieldError(".metadata", "at least one metadata.<key>=<value> pair is required")
	}
	return pairs, nil
}

// --- Body decoding ---

type requestBodyTooLargeError struct {
	Limit int64
}

func (e *requestBodyTooLargeError) Error() string {
	return fmt.Sprintf("request body too large (max %d bytes)", e.Limit)
}

// DecodeBody decodes the JSON request body into v, rejecting unknown fields.
func DecodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: must contain a single JSON value")
	}
	return nil
}

// --- Path parameters ---

// PathParam extracts a named path parameter from the request URL.
func PathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// ValidateUUID checks that s is a valid lowercase canonical UUID string.
func ValidateUUID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return s == id.String()
}

// requireUUIDPathParam validates the {id} path segment. A malformed id is a
// validation failure, never a 404.
func requireUUIDPathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	value := PathParam(r, "id")
	if !ValidateUUID(value) {
		WriteValidationFailed(w, fieldError(".id", "must be a valid UUID"))
		return "", false
	}
	return value, true
}
