package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// --- ParsePagination ---

func TestParsePagination_Defaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	p, fieldErrs := ParsePagination(r)
	if fieldErrs != nil {
		t.Fatalf("unexpected field errors: %v", fieldErrs)
	}
	if p.Limit != 50 {
		t.Errorf("Limit = %d, want 50", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("Offset = %d, want 0", p.Offset)
	}
}

func TestParsePagination_Custom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?limit=25&offset=100", nil)
	p, fieldErrs := ParsePagination(r)
	if fieldErrs != nil {
		t.Fatalf("unexpected field errors: %v", fieldErrs)
	}
	if p.Limit != 25 {
		t.Errorf("Limit = %d, want 25", p.Limit)
	}
	if p.Offset != 100 {
		t.Errorf("Offset = %d, want 100", p.Offset)
	}
}

func TestParsePagination_Bounds(t *testing.T) {
	for _, limit := range []string{"1", "500"} {
		r := httptest.NewRequest(http.MethodGet, "/test?limit="+limit, nil)
		if _, fieldErrs := ParsePagination(r); fieldErrs != nil {
			t.Errorf("limit=%s: unexpected field errors: %v", limit, fieldErrs)
		}
	}
	for _, limit := range []string{"0", "501", "-1"} {
		r := httptest.NewRequest(http.MethodGet, "/test?limit="+limit, nil)
		_, fieldErrs := ParsePagination(r)
		if len(fieldErrs[".limit"]) == 0 {
			t.Errorf("limit=%s: expected .limit field error, got %v", limit, fieldErrs)
		}
	}
}

func TestParsePagination_NegativeOffset(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?offset=-1", nil)
	_, fieldErrs := ParsePagination(r)
	if len(fieldErrs[".offset"]) == 0 {
		t.Errorf("expected .offset field error, got %v", fieldErrs)
	}
}

func TestParsePagination_NotInteger(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?limit=abc&offset=x", nil)
	_, fieldErrs := ParsePagination(r)
	if len(fieldErrs[".limit"]) == 0 {
		t.Errorf("expected .limit field error, got %v", fieldErrs)
	}
	if len(fieldErrs[".offset"]) == 0 {
		t.Errorf("expected .offset field error, got %v", fieldErrs)
	}
}

// --- MetadataPairs ---

func TestMetadataPairs_Single(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?metadata.department=finance", nil)
	pairs, fieldErrs := MetadataPairs(r)
	if fieldErrs != nil {
		t.Fatalf("unexpected field errors: %v", fieldErrs)
	}
	if pairs["department"] != "finance" {
		t.Errorf("pairs = %v, want department=finance", pairs)
	}
}

func TestMetadataPairs_Multiple(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?metadata.a=1&metadata.b=2&limit=10", nil)
	pairs, fieldErrs := MetadataPairs(r)
	if fieldErrs != nil {
		t.Fatalf("unexpected field errors: %v", fieldErrs)
	}
	if len(pairs) != 2 || pairs["a"] != "1" || pairs["b"] != "2" {
		t.Errorf("pairs = %v, want a=1 b=2", pairs)
	}
}

func TestMetadataPairs_None(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?limit=10", nil)
	_, fieldErrs := MetadataPairs(r)
	if len(fieldErrs[".metadata"]) == 0 {
		t.Errorf("expected .metadata field error, got %v", fieldErrs)
	}
}

func TestMetadataPairs_EmptyKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test?metadata.=x", nil)
	_, fieldErrs := MetadataPairs(r)
	if len(fieldErrs[".metadata"]) == 0 {
		t.Errorf("expected .metadata field error, got %v", fieldErrs)
	}
}

// --- DecodeBody ---

func TestDecodeBody_OK(t *testing.T) {
	r := httptest.NewRequest(http.MethodPatch, "/test", strings.NewReader(`{"classification":"invoice"}`))
	var req correctClassificationRequest
	if err := DecodeBody(r, &req); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if req.Classification != "invoice" {
		t.Errorf("Classification = %q, want invoice", req.Classification)
	}
}

func TestDecodeBody_UnknownField(t *testing.T) {
	r := httptest.NewRequest(http.MethodPatch, "/test", strings.NewReader(`{"classification":"x","bogus":1}`))
	var req correctClassificationRequest
	if err := DecodeBody(r, &req); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestDecodeBody_TrailingGarbage(t *testing.T) {
	r := httptest.NewRequest(http.MethodPatch, "/test", strings.NewReader(`{"classification":"x"}{"more":true}`))
	var req correctClassificationRequest
	if err := DecodeBody(r, &req); err == nil {
		t.Error("expected error for trailing JSON value")
	}
}

func TestDecodeBody_Invalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodPatch, "/test", strings.NewReader(`not json`))
	var req correctClassificationRequest
	if err := DecodeBody(r, &req); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// --- ValidateUUID ---

func TestValidateUUID(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"2f3a1a90-24cc-4d45-9f86-9e1cde1d76a2", true},
		{"2F3A1A90-24CC-4D45-9F86-9E1CDE1D76A2", false},
		{"2f3a1a90-24cc-4d45-9f86", false},
		{"not-a-uuid", false},
		{"", false},
		{"urn:uuid:2f3a1a90-24cc-4d45-9f86-9e1cde1d76a2", false},
	}
	for _, tc := range cases {
		if got := ValidateUUID(tc.in); got != tc.want {
			t.Errorf("ValidateUUID(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
