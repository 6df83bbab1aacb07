package server

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

const (
	encodingBrotli = "br"
	encodingGzip   = "gzip"

	defaultBrotliLevel = 4
)

// compressibleTypes are content-type prefixes worth compressing. The
// Prometheus text exposition is text/plain.
var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/openmetrics-text",
}

// compression negotiates br or gzip from Accept-Encoding and encodes the
// response body. Bodies that already carry a Content-Encoding pass through.
func compression() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		encoding := negotiateEncoding(c.GetHeader("Accept-Encoding"))
		if encoding == "" {
			c.Next()
			return
		}

		appendVary(c.Writer.Header(), "Accept-Encoding")
		writer := &compressWriter{ResponseWriter: c.Writer, encoding: encoding}
		c.Writer = writer
		defer func() {
			if err := writer.close(); err != nil {
				_ = c.Error(fmt.Errorf("close %s encoder: %w", encoding, err))
			}
			c.Writer = writer.ResponseWriter
		}()
		c.Next()
	}
}

// negotiateEncoding picks br over gzip unless the client ranks gzip higher.
// A wildcard applies to whichever encoding is not listed explicitly.
func negotiateEncoding(acceptEncoding string) string {
	if strings.TrimSpace(acceptEncoding) == "" {
		return ""
	}
	quality := map[string]float64{}
	wildcard, hasWildcard := 0.0, false
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		for _, param := range strings.Split(params, ";") {
			if value, ok := strings.CutPrefix(strings.TrimSpace(param), "q="); ok {
				if parsed, err := strconv.ParseFloat(value, 64); err == nil {
					q = parsed
				}
			}
		}
		if name == "*" {
			wildcard, hasWildcard = q, true
			continue
		}
		quality[name] = q
	}
	for _, encoding := range []string{encodingBrotli, encodingGzip} {
		if _, ok := quality[encoding]; !ok && hasWildcard {
			quality[encoding] = wildcard
		}
	}

	br, gz := quality[encodingBrotli], quality[encodingGzip]
	switch {
	case br > 0 && br >= gz:
		return encodingBrotli
	case gz > 0:
		return encodingGzip
	default:
		return ""
	}
}

// compressWriter decides on the first body write whether to encode, once the
// handler has set Content-Type.
type compressWriter struct {
	gin.ResponseWriter
	encoding string
	decided  bool
	encoder  io.WriteCloser
}

func (w *compressWriter) Write(p []byte) (int, error) {
	if !w.decided {
		w.decide()
	}
	if w.encoder == nil {
		return w.ResponseWriter.Write(p)
	}
	return w.encoder.Write(p)
}

func (w *compressWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *compressWriter) Flush() {
	if flusher, ok := w.encoder.(interface{ Flush() error }); ok {
		_ = flusher.Flush()
	}
	w.ResponseWriter.Flush()
}

func (w *compressWriter) decide() {
	w.decided = true
	header := w.Header()
	if header.Get("Content-Encoding") != "" || noBodyStatus(w.Status()) {
		return
	}
	if !isCompressible(header.Get("Content-Type")) {
		return
	}

	header.Del("Content-Length")
	header.Set("Content-Encoding", w.encoding)
	switch w.encoding {
	case encodingBrotli:
		w.encoder = brotli.NewWriterLevel(w.ResponseWriter, defaultBrotliLevel)
	case encodingGzip:
		w.encoder = gzip.NewWriter(w.ResponseWriter)
	}
}

func (w *compressWriter) close() error {
	if w.encoder == nil {
		return nil
	}
	return w.encoder.Close()
}

func isCompressible(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" {
		return true
	}
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

func noBodyStatus(code int) bool {
	return code == http.StatusNoContent || code == http.StatusNotModified || (code >= 100 && code < 200)
}

func appendVary(header http.Header, value string) {
	current := header.Get("Vary")
	if current == "" {
		header.Set("Vary", value)
		return
	}
	for _, part := range strings.Split(current, ",") {
		if strings.EqualFold(strings.TrimSpace(part), value) {
			return
		}
	}
	header.Set("Vary", current+", "+value)
}
