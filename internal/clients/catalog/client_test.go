package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

func newTestClient(t *testing.T, srvURL string, maxRetries int) Client {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	c, err := New(log, Config{
		BaseURL:    srvURL,
		APIToken:   "test-token",
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		PageSize:   50,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestContentMetadataPaginatesAndParses(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{
				"count": 2,
				"next": "",
				"results": [{
					"key": "edX+DemoX",
					"title": "Demonstration Course",
					"course_type": "verified-audit",
					"normalized_metadata": {
						"start_date": "2026-02-01 00:00:00Z",
						"enroll_by_date": "2026-03-15T10:30:00.000000Z",
						"content_price": 199.99
					},
					"normalized_metadata_by_run": {
						"course-v1:edX+DemoX+1T2026": {
							"enroll_by_date": "2026-03-01T00:00:00Z",
							"content_price": 199.99
						}
					}
				}]
			}`)
			return
		}
		fmt.Fprintf(w, `{
			"count": 2,
			"next": "%s/api/v1/content-metadata/?page=2",
			"results": [{
				"key": "edX+OtherX",
				"title": "Other Course",
				"course_type": "executive-education-2u",
				"normalized_metadata": {"enroll_by_date": "2026-01-10T00:00:00Z", "content_price": 50}
			}]
		}`, "http://"+r.Host)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	got, err := c.ContentMetadata(context.Background(), []string{"edX+DemoX", "edX+OtherX", "edX+DemoX", " "})
	if err != nil {
		t.Fatalf("ContentMetadata: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if len(got) != 2 {
		t.Fatalf("results: want=2 got=%d", len(got))
	}

	demo := got["edX+DemoX"]
	if demo == nil {
		t.Fatalf("missing edX+DemoX")
	}
	if demo.Title != "Demonstration Course" || demo.CourseType != "verified-audit" {
		t.Fatalf("demo fields: %+v", demo)
	}
	wantEnroll := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	if demo.NormalizedMetadata.EnrollByDate == nil || !demo.NormalizedMetadata.EnrollByDate.Equal(wantEnroll) {
		t.Fatalf("enroll_by_date: %v", demo.NormalizedMetadata.EnrollByDate)
	}
	if demo.NormalizedMetadata.StartDate == nil {
		t.Fatalf("space-separated start_date should parse")
	}
	if demo.NormalizedMetadata.EndDate != nil {
		t.Fatalf("absent end_date should stay nil")
	}
	if demo.NormalizedMetadata.ContentPriceCents != 19999 {
		t.Fatalf("price cents: %d", demo.NormalizedMetadata.ContentPriceCents)
	}
	run, ok := demo.NormalizedMetadataByRun["course-v1:edX+DemoX+1T2026"]
	if !ok || run.EnrollByDate == nil {
		t.Fatalf("run metadata missing: %+v", demo.NormalizedMetadataByRun)
	}

	other := got["edX+OtherX"]
	if other == nil || other.CourseType != CourseTypeExecEd {
		t.Fatalf("other course: %+v", other)
	}
	if other.NormalizedMetadata.ContentPriceCents != 5000 {
		t.Fatalf("other price cents: %d", other.NormalizedMetadata.ContentPriceCents)
	}
}

func TestContentMetadataToleratesBadDatetimes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"count": 1,
			"next": "",
			"results": [{
				"key": "edX+BadDatesX",
				"title": "Bad Dates",
				"course_type": "verified-audit",
				"normalized_metadata": {
					"start_date": "not a datetime",
					"enroll_by_date": "2026-04-01T00:00:00Z",
					"content_price": 10
				}
			}]
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	got, err := c.ContentMetadata(context.Background(), []string{"edX+BadDatesX"})
	if err != nil {
		t.Fatalf("ContentMetadata: %v", err)
	}
	md := got["edX+BadDatesX"]
	if md == nil {
		t.Fatal("missing metadata")
	}
	if md.NormalizedMetadata.StartDate != nil {
		t.Errorf("StartDate: want nil for unparseable value, got %v", md.NormalizedMetadata.StartDate)
	}
	if md.NormalizedMetadata.EnrollByDate == nil {
		t.Error("EnrollByDate: parseable value must survive a sibling parse failure")
	}
}

func TestContentMetadataRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"count": 0, "next": "", "results": []}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	got, err := c.ContentMetadata(context.Background(), []string{"edX+GoneX"})
	if err != nil {
		t.Fatalf("ContentMetadata: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls: want=2 got=%d", calls)
	}
	if len(got) != 0 {
		t.Fatalf("unknown keys must be absent, got=%v", got)
	}
}

func TestContentMetadataClientErrorsDoNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such catalog", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.ContentMetadata(context.Background(), []string{"edX+DemoX"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("4xx must not retry, calls=%d", calls)
	}
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("error type: %v", err)
	}
}
