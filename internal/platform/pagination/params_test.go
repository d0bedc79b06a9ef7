package pagination

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Page != 1 {
		t.Fatalf("expected first page, got %d", params.Page)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.Offset() != 0 {
		t.Fatalf("expected zero offset, got %d", params.Offset())
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	values := url.Values{}
	values.Set("pageSize", "30")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("pageSize", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != opts.MaxPageSize {
		t.Fatalf("expected page size clamped to %d got %d", opts.MaxPageSize, params.PageSize)
	}
}

func TestParseDefaultPageSizeClampedToMax(t *testing.T) {
	params, err := Parse(url.Values{}, Options{DefaultPageSize: 80, MaxPageSize: 20})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 20 {
		t.Fatalf("expected default clamped to 20, got %d", params.PageSize)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		key    string
		value  string
		target error
	}{
		{name: "page not integer", key: "page", value: "abc", target: ErrInvalidPage},
		{name: "page zero", key: "page", value: "0", target: ErrInvalidPage},
		{name: "page negative", key: "page", value: "-3", target: ErrInvalidPage},
		{name: "page too large", key: "page", value: "1000001", target: ErrInvalidPage},
		{name: "page size not integer", key: "pageSize", value: "ten", target: ErrInvalidPageSize},
		{name: "page size zero", key: "pageSize", value: "0", target: ErrInvalidPageSize},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values := url.Values{}
			values.Set(tc.key, tc.value)
			if _, err := Parse(values, Options{}); !errors.Is(err, tc.target) {
				t.Fatalf("expected %v got %v", tc.target, err)
			}
		})
	}
}

func TestOffset(t *testing.T) {
	values := url.Values{}
	values.Set("page", "3")
	values.Set("pageSize", "20")

	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Offset() != 40 {
		t.Fatalf("expected offset 40, got %d", params.Offset())
	}
}

func TestFromRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/api/v1/orders?page=2&pageSize=5", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest returned error: %v", err)
	}
	if params.Page != 2 || params.PageSize != 5 {
		t.Fatalf("unexpected params %+v", params)
	}

	if _, err := FromRequest(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil request")
	}
}
