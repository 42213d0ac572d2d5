package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"tagging/internal/tagging"
)

func TestWriteEngineErrorMapsTransientTo503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeEngineError(c, zap.NewNop(), fmt.Errorf("%w: db is down", tagging.ErrTransient))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "temporary")
}

func TestWriteEngineErrorMapsOtherFailuresTo500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeEngineError(c, zap.NewNop(), errors.New("something else broke"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
