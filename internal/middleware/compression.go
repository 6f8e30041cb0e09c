package middleware

import (
	"bufio"
	"compress/gzip"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/fechatter/gateway/internal/config"
)

// Compression gzips response bodies when the client accepts gzip, the
// content type is listed in cfg.ContentTypes and the body reaches
// cfg.MinSize bytes. WebSocket upgrades and event streams are passed
// through, as is any response that flushes before the threshold.
func Compression(cfg config.CompressionConfig) Middleware {
	if !cfg.Enabled {
		return passthrough
	}
	level := cfg.Level
	if level == 0 || level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	pool := &sync.Pool{New: func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, level)
		return w
	}}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !acceptsGzip(r) || IsWebSocketUpgrade(r) || IsEventStream(r) {
				next.ServeHTTP(w, r)
				return
			}
			gw := &gzipResponseWriter{
				ResponseWriter: w,
				pool:           pool,
				minSize:        cfg.MinSize,
				types:          cfg.ContentTypes,
				status:         http.StatusOK,
			}
			defer gw.close()
			next.ServeHTTP(gw, r)
		})
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get(HeaderAcceptEncoding), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return strings.ReplaceAll(params, " ", "") != "q=0"
		}
	}
	return false
}

type gzipResponseWriter struct {
	http.ResponseWriter
	pool    *sync.Pool
	minSize int
	types   []string

	status      int
	wroteHeader bool
	decided     bool
	compress    bool
	hijacked    bool
	buf         []byte
	gz          *gzip.Writer
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	if !w.eligible() {
		w.decide(false)
	}
}

func (w *gzipResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.decided {
		if w.compress {
			return w.gz.Write(p)
		}
		return w.ResponseWriter.Write(p)
	}

	w.buf = append(w.buf, p...)
	if len(w.buf) >= w.minSize {
		if err := w.decide(true); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush commits to an uncompressed response if nothing has been sent yet,
// so streamed bodies reach the client as they are produced.
func (w *gzipResponseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.decided {
		_ = w.decide(false)
	}
	if w.compress {
		_ = w.gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *gzipResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.hijacked = true
	return hj.Hijack()
}

func (w *gzipResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *gzipResponseWriter) eligible() bool {
	if w.status < http.StatusOK || w.status == http.StatusNoContent || w.status == http.StatusNotModified {
		return false
	}
	h := w.Header()
	if h.Get(HeaderContentEncoding) != "" {
		return false
	}
	ct := h.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "text/event-stream") {
		return false
	}
	for _, t := range w.types {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	return false
}

func (w *gzipResponseWriter) decide(compress bool) error {
	w.decided = true
	w.compress = compress
	if compress {
		h := w.Header()
		h.Del(HeaderContentLength)
		h.Set(HeaderContentEncoding, "gzip")
		h.Add(HeaderVary, HeaderAcceptEncoding)
		w.gz = w.pool.Get().(*gzip.Writer)
		w.gz.Reset(w.ResponseWriter)
	}
	w.ResponseWriter.WriteHeader(w.status)

	buf := w.buf
	w.buf = nil
	if len(buf) == 0 {
		return nil
	}
	var err error
	if compress {
		_, err = w.gz.Write(buf)
	} else {
		_, err = w.ResponseWriter.Write(buf)
	}
	return err
}

func (w *gzipResponseWriter) close() {
	if w.hijacked {
		return
	}
	if !w.decided {
		if !w.wroteHeader {
			// The handler wrote nothing; leave the response to net/http.
			return
		}
		_ = w.decide(false)
	}
	if w.compress {
		_ = w.gz.Close()
		w.gz.Reset(nil)
		w.pool.Put(w.gz)
		w.gz = nil
	}
}
