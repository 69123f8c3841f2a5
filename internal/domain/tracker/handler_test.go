package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()
	s := NewMemoryStore()
	if err := s.Create(context.Background(), newTestCase()); err != nil {
		t.Fatal(err)
	}
	return NewHandler(s), echo.New()
}

func TestHandler_GetCase(t *testing.T) {
	h, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases/tei1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("tei")
	c.SetParamValues("tei1")

	if err := h.GetCase(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got Case
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Enrollment.IncidentDate != "2020-06-15" {
		t.Errorf("unexpected incident date %q", got.Enrollment.IncidentDate)
	}
}

func TestHandler_GetCase_NotFound(t *testing.T) {
	h, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases/nope", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("tei")
	c.SetParamValues("nope")

	err := h.GetCase(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListCases(t *testing.T) {
	h, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases?limit=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListCases(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || body.Limit != 5 {
		t.Errorf("unexpected page %+v", body)
	}
}

type failingStore struct{ err error }

func (f failingStore) Create(context.Context, *Case) error { return f.err }
func (f failingStore) Get(context.Context, string) (*Case, error) { return nil, f.err }
func (f failingStore) Apply(context.Context, string, Changes) error { return f.err }
func (f failingStore) List(context.Context, int, int) ([]*Case, int, error) {
	return nil, 0, f.err
}

func TestHandler_StoreErrorsAreNotExposed(t *testing.T) {
	dbErr := errors.New("connection refused: postgres://deathform@10.0.3.7:5432")
	h, e := NewHandler(failingStore{err: dbErr}), echo.New()
	for name, call := range map[string]func(echo.Context) error{"get": h.GetCase, "list": h.ListCases} {
		t.Run(name, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/cases/tei1", nil), httptest.NewRecorder())
			c.SetParamNames("tei")
			c.SetParamValues("tei1")

			httpErr, ok := call(c).(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %v", httpErr)
			}
			if strings.Contains(fmt.Sprint(httpErr.Message), "10.0.3.7") {
				t.Errorf("response leaks the store error: %v", httpErr.Message)
			}
			if !errors.Is(httpErr.Internal, dbErr) {
				t.Errorf("expected the store error as internal error, got %v", httpErr.Internal)
			}
		})
	}
}
