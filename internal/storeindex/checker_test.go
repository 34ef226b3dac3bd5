package storeindex

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

func TestMemoryCheckerFoundAndNotFound(t *testing.T) {
	checker := NewMemoryChecker()
	key := seriesrelay.SeriesKey{Source: "MyPACS", SeriesUID: "1.2.3"}
	checker.Add(key, seriesrelay.FoundResource{ID: "9", URL: "/series/9"})

	found, err := checker.CheckSeries(context.Background(), key.Source, key.SeriesUID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if found == nil || found.ID != "9" {
		t.Fatalf("expected indexed resource, got %+v", found)
	}

	missing, err := checker.CheckSeries(context.Background(), "MyPACS", "other")
	if err != nil || missing != nil {
		t.Fatalf("expected nil,nil for unindexed series, got %+v, %v", missing, err)
	}
}

func TestHTTPCheckerResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("series_instance_uid") {
		case "present":
			w.Header().Set("Content-Type", "application/json")
			if _, err := w.Write([]byte(`{"id":"55","url":"/api/v1/series/55"}`)); err != nil {
				t.Errorf("write response failed: %v", err)
			}
		case "absent":
			http.NotFound(w, r)
		default:
			http.Error(w, "index offline", http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	found, err := checker.CheckSeries(context.Background(), "MyPACS", "present")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if found == nil || found.ID != "55" || found.URL != "/api/v1/series/55" {
		t.Fatalf("unexpected resource: %+v", found)
	}

	missing, err := checker.CheckSeries(context.Background(), "MyPACS", "absent")
	if err != nil || missing != nil {
		t.Fatalf("expected nil,nil for 404, got %+v, %v", missing, err)
	}

	if _, err := checker.CheckSeries(context.Background(), "MyPACS", "broken"); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestResolveFoldsFailureIntoOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	key := seriesrelay.SeriesKey{Source: "MyPACS", SeriesUID: "1.2.3"}
	outcome := Resolve(context.Background(), NewHTTPChecker(server.URL), key)
	if !outcome.Requested || outcome.Pending || outcome.Found != nil {
		t.Fatalf("unexpected outcome shape: %+v", outcome)
	}
	if outcome.Err == "" {
		t.Fatalf("expected transport failure captured as data")
	}

	checker := NewMemoryChecker()
	checker.Add(key, seriesrelay.FoundResource{ID: "3"})
	outcome = Resolve(context.Background(), checker, key)
	if outcome.Err != "" || outcome.Found == nil || outcome.Found.ID != "3" {
		t.Fatalf("unexpected resolved outcome: %+v", outcome)
	}
}

func TestBuildCheckerFromDSN(t *testing.T) {
	if _, err := BuildCheckerFromDSN(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid-input for empty DSN, got %v", err)
	}
	checker, err := BuildCheckerFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory DSN failed: %v", err)
	}
	if _, ok := checker.(*MemoryChecker); !ok {
		t.Fatalf("expected MemoryChecker, got %T", checker)
	}
	checker, err = BuildCheckerFromDSN("https://storage.example.org")
	if err != nil {
		t.Fatalf("https DSN failed: %v", err)
	}
	if _, ok := checker.(*HTTPChecker); !ok {
		t.Fatalf("expected HTTPChecker, got %T", checker)
	}
	checker, err = BuildCheckerFromDSN("postgres://user@db/storage")
	if err != nil {
		t.Fatalf("postgres DSN failed: %v", err)
	}
	if _, ok := checker.(*PostgresChecker); !ok {
		t.Fatalf("expected PostgresChecker, got %T", checker)
	}
	if _, err := BuildCheckerFromDSN("sqlite:///tmp/x.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not-implemented for sqlite, got %v", err)
	}
	if _, err := BuildCheckerFromDSN("gopher://x"); err == nil {
		t.Fatalf("expected unsupported-scheme error")
	}
}

func TestRegisteredFactoryOverridesDispatch(t *testing.T) {
	custom := NewMemoryChecker()
	RegisterCheckerFactory("teststore", func(string) (Checker, error) { return custom, nil })
	checker, err := BuildCheckerFromDSN("teststore://anything")
	if err != nil {
		t.Fatalf("custom DSN failed: %v", err)
	}
	if checker != Checker(custom) {
		t.Fatalf("expected registered factory result, got %T", checker)
	}
}

func TestPostgresCheckerOpenFailureIsSticky(t *testing.T) {
	checker, err := NewPostgresChecker("postgres://user@db/storage")
	if err != nil {
		t.Fatalf("new checker failed: %v", err)
	}
	openErr := errors.New("refused")
	calls := 0
	checker.openDB = func(string, string) (*sql.DB, error) {
		calls++
		return nil, openErr
	}
	for i := 0; i < 2; i++ {
		if _, err := checker.CheckSeries(context.Background(), "a", "b"); !errors.Is(err, openErr) {
			t.Fatalf("expected open error surfaced, got %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one open attempt, got %d", calls)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`tab"le`); got != `"tab""le"` {
		t.Fatalf("unexpected quoting: %s", got)
	}
}
