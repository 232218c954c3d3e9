package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// ReadCache keeps rendered GET responses in memory. Each entry is filed under
// a scope, the path parameter naming the resource it describes (for example
// "set_id"), so a write to one set or batch evicts only that resource's reads.
type ReadCache struct {
	store *cache.Cache
	ttl   time.Duration
}

type cachedRead struct {
	status  int
	header  http.Header
	payload []byte
}

// recordingWriter tees the response body so it can be stored after the
// handler returns.
type recordingWriter struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (w recordingWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w recordingWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// NewReadCache creates a cache whose entries live for ttl.
func NewReadCache(ttl time.Duration) *ReadCache {
	return &ReadCache{store: cache.New(ttl, 2*ttl), ttl: ttl}
}

func scopePrefix(scope, id string) string {
	return scope + "=" + id + "|"
}

// Serve answers GET requests for the resource named by the scope parameter
// from memory, storing 2xx responses on a miss.
func (rc *ReadCache) Serve(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := scopePrefix(scope, c.Param(scope)) + c.Request.RequestURI
		if v, ok := rc.store.Get(key); ok {
			hit := v.(cachedRead)
			for k, vals := range hit.header {
				c.Writer.Header()[k] = vals
			}
			c.Writer.Header().Set("X-Cache", "HIT")
			c.Writer.WriteHeader(hit.status)
			_, _ = c.Writer.Write(hit.payload)
			c.Abort()
			return
		}

		rw := &recordingWriter{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
		c.Writer = rw
		c.Next()

		if status := rw.Status(); status >= 200 && status < 300 {
			rc.store.Set(key, cachedRead{
				status:  status,
				header:  rw.Header().Clone(),
				payload: rw.buf.Bytes(),
			}, rc.ttl)
		}
	}
}

// Invalidate evicts cached reads after a successful write. Routes carrying the
// scope parameter evict that one resource; routes without it (a gauge write
// can touch any set) evict the whole scope.
func (rc *ReadCache) Invalidate(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			return
		}
		if status := c.Writer.Status(); status < 200 || status >= 300 {
			return
		}
		prefix := scope + "="
		if id := c.Param(scope); id != "" {
			prefix = scopePrefix(scope, id)
		}
		rc.evict(prefix)
	}
}

func (rc *ReadCache) evict(prefix string) {
	for key := range rc.store.Items() {
		if strings.HasPrefix(key, prefix) {
			rc.store.Delete(key)
		}
	}
}

// Len reports the number of unexpired entries.
func (rc *ReadCache) Len() int {
	return rc.store.ItemCount()
}
