package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/loopr/internal/control"
	"github.com/loykin/loopr/internal/store"
)

func TestCleanBasePath(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"/":           "",
		" / ":         "",
		"api":         "/api",
		"/api/":       "/api",
		" loopr/api ": "/loopr/api",
		"//a//b/":     "/a/b",
	}
	for in, want := range cases {
		if got := cleanBasePath(in); got != want {
			t.Fatalf("cleanBasePath(%q)=%q want %q", in, got, want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", control.ErrNotFound), http.StatusNotFound},
		{&store.NameError{Name: "-x"}, http.StatusBadRequest},
		{control.ErrInvalidRequest, http.StatusBadRequest},
		{control.ErrAlreadyRunning, http.StatusConflict},
		{control.ErrStopTimeout, http.StatusGatewayTimeout},
		{errors.New("disk"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestStopOptionsFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var got control.StopOptions
	var ok bool
	r := gin.New()
	r.POST("/s/:name/stop", func(c *gin.Context) {
		if _, ok = scheduleName(c); !ok {
			return
		}
		if got, ok = stopOptions(c); ok {
			respond(c, http.StatusOK, got)
		}
	})

	rec := doReq(t, r, http.MethodPost, "/s/inbox/stop?wait=3s&delete=true&force=nope", nil)
	if rec.Code != http.StatusOK || !ok || got.Wait != 3*time.Second || !got.Delete || got.Force {
		t.Fatalf("unexpected options %+v (code %d)", got, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type: %s", ct)
	}

	rec = doReq(t, r, http.MethodPost, "/s/inbox/stop?wait=-1s", nil)
	if rec.Code != http.StatusBadRequest || ok {
		t.Fatalf("negative wait expected 400, got %d", rec.Code)
	}

	rec = doReq(t, r, http.MethodPost, "/s/-inbox/stop", nil)
	if rec.Code != http.StatusBadRequest || ok {
		t.Fatalf("dashed name expected 400, got %d", rec.Code)
	}
	var body errorResp
	decode(t, rec, &body)
	if !strings.Contains(body.Error, "-inbox") {
		t.Fatalf("unexpected error body %q", body.Error)
	}
}
