package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestWithRequestContextSetsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger, nil))
	r.GET("/ping", func(c *gin.Context) {
		if requestID(c) == "" {
			t.Error("request ID not set")
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request ID header")
	}
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.Code)
	}
}

func TestRespondErrorIncludesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger, nil))
	r.GET("/fail", func(c *gin.Context) {
		respondError(c, http.StatusBadRequest, "boom", baseLogger)
	})

	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.Code)
	}
	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("missing request ID header")
	}
}

func TestQueryLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := map[string]struct {
		limit int
		ok    bool
	}{
		"/x":          {100, true},
		"/x?limit=5":  {5, true},
		"/x?limit=0":  {0, false},
		"/x?limit=-2": {0, false},
		"/x?limit=ab": {0, false},
	}
	for target, want := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, target, nil)
		limit, ok := queryLimit(c, 100)
		if ok != want.ok || limit != want.limit {
			t.Fatalf("%s: got (%d, %v), want (%d, %v)", target, limit, ok, want.limit, want.ok)
		}
	}
}

func TestBindObjectRejectsNonObjects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, body := range []string{"null", "[1]", "\"s\"", "{bad"} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if _, err := bindObject(c); err == nil {
			t.Fatalf("expected error for %s", body)
		}
	}
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"client_id":"edge-01"}`))
	obj, err := bindObject(c)
	if err != nil || obj["client_id"] != "edge-01" {
		t.Fatalf("unexpected result %v %v", obj, err)
	}
}

func TestAnnotateRequestTagsLaterLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	baseLogger := zerolog.New(&buf)
	r := gin.New()
	r.Use(withRequestContext(baseLogger, nil))
	r.GET("/poll", func(c *gin.Context) {
		annotateRequest(c, "client_id", "edge-01")
		c.Next()
	}, func(c *gin.Context) {
		respondError(c, http.StatusConflict, "duplicate result", zerolog.Nop())
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/poll", nil))

	if resp.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", resp.Code)
	}
	line := buf.String()
	if !strings.Contains(line, `"client_id":"edge-01"`) || !strings.Contains(line, `"path":"/poll"`) {
		t.Fatalf("log line missing request fields: %s", line)
	}
}
