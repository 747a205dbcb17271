package server

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/loopr/internal/control"
	"github.com/loykin/loopr/internal/store"
)

// cleanBasePath turns a mount prefix into "" or "/a/b".
func cleanBasePath(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	if bp = path.Clean("/" + bp); bp == "/" {
		return ""
	}
	return bp
}

func respond(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}

func fail(c *gin.Context, err error) {
	respond(c, statusFor(err), errorResp{Error: err.Error()})
}

// scheduleName reads the :name parameter, answering 400 itself when the
// name could never be a schedule.
func scheduleName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !store.ValidName(name) {
		fail(c, &store.NameError{Name: name})
		return "", false
	}
	return name, true
}

// queryBool is false for a missing or unparsable value.
func queryBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.Query(key))
	return v
}

func stopOptions(c *gin.Context) (control.StopOptions, bool) {
	opts := control.StopOptions{Delete: queryBool(c, "delete"), Force: queryBool(c, "force")}
	if s := c.Query("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			respond(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + s})
			return opts, false
		}
		opts.Wait = d
	}
	return opts, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidName), errors.Is(err, control.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, control.ErrStopTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
