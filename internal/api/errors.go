package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memory-mesh/memory-mesh/internal/objectstore"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

// writeError translates an engine error into its one external status.
// Terminal transport faults map to 502 unless the chain carries an
// object-store not-found, which is the caller's 404.
func writeError(c *gin.Context, err error) {
	writeFault(c, err, terminalStatus(err))
}

// writeLookupError is writeError for entity lookups, where a terminal
// fault always means the entity is absent.
func writeLookupError(c *gin.Context, err error) {
	writeFault(c, err, http.StatusNotFound)
}

func terminalStatus(err error) int {
	if objectstore.IsNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func writeFault(c *gin.Context, err error, terminal int) {
	kind := faults.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case faults.KindValidation:
		status = http.StatusBadRequest
	case faults.KindUnauthenticated:
		status = http.StatusUnauthorized
	case faults.KindCapacity:
		status = http.StatusTooManyRequests
		if after, ok := faults.RetryAfter(err); ok {
			c.Header("Retry-After", strconv.Itoa(retrySeconds(after)))
		}
	case faults.KindRetryableTransport:
		status = http.StatusServiceUnavailable
	case faults.KindTerminalTransport:
		status = terminal
	case faults.KindCorruption, faults.KindInvariant:
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

// retrySeconds rounds the hint up so clients never retry early.
func retrySeconds(after time.Duration) int {
	s := int(after / time.Second)
	if after%time.Second != 0 {
		s++
	}
	return s
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"kind":  faults.KindValidation.String(),
	})
}
