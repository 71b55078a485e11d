package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(ctx context.Context) error { return s.err }

func doProbe(handler func(*gin.Context), path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	handler(c)
	return w
}

func TestLivenessAlwaysSucceeds(t *testing.T) {
	// Even with unhealthy dependencies, liveness returns 200.
	h := NewHandler(&stubPinger{err: errors.New("down")}, &stubPinger{err: errors.New("down")})

	w := doProbe(h.Liveness, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadinessAllHealthy(t *testing.T) {
	h := NewHandler(&stubPinger{}, &stubPinger{})

	w := doProbe(h.Readiness, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	assert.Contains(t, w.Body.String(), "redis")
	assert.Contains(t, w.Body.String(), "mongo")
}

func TestReadinessDegradedDependency(t *testing.T) {
	h := NewHandler(&stubPinger{err: errors.New("connection refused")}, &stubPinger{})

	w := doProbe(h.Readiness, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestReadinessNilDependenciesSkipped(t *testing.T) {
	h := NewHandler(nil, nil)

	w := doProbe(h.Readiness, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "redis")
}
