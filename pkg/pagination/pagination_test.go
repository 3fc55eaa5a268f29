package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext(t *testing.T) {
	p := paramsFor(t, "limit=10&offset=30")
	if p.Limit != 10 || p.Offset != 30 {
		t.Errorf("got %+v, want limit 10 offset 30", p)
	}

	p = paramsFor(t, "")
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("got %+v, want defaults", p)
	}

	p = paramsFor(t, "limit=9999")
	if p.Limit != MaxLimit {
		t.Errorf("Limit = %d, want capped at %d", p.Limit, MaxLimit)
	}

	p = paramsFor(t, "limit=-5&offset=-5")
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("got %+v, want negative values normalized", p)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]int{1, 2, 3}, 10, 3, 0)
	if resp.Total != 10 || !resp.HasMore {
		t.Errorf("got %+v, want total 10 with more", resp)
	}

	resp = NewResponse([]int{1}, 10, 3, 9)
	if resp.HasMore {
		t.Error("last page should not report more")
	}
}

func TestParamsNavigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 20}
	if !p.HasNext(50) {
		t.Error("expected a next page at offset 20 of 50")
	}
	if p.HasNext(25) {
		t.Error("no next page at offset 20 of 25")
	}
	if !p.HasPrevious() {
		t.Error("expected a previous page")
	}
	if p.NextOffset() != 30 {
		t.Errorf("NextOffset = %d, want 30", p.NextOffset())
	}
	if p.PreviousOffset() != 10 {
		t.Errorf("PreviousOffset = %d, want 10", p.PreviousOffset())
	}

	first := Params{Limit: 10, Offset: 5}
	if first.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset = %d, want clamped to 0", first.PreviousOffset())
	}

	if got := p.SQL(); got != "LIMIT 10 OFFSET 20" {
		t.Errorf("SQL = %q", got)
	}
}
