package httpserver

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzhttp"
)

// Compress encodes responses with brotli when the client accepts it and with
// gzip otherwise.
func Compress(next http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || !acceptsEncoding(r.Header.Get("Accept-Encoding"), "br") {
			gz.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Accept-Encoding")
		bw := &brotliResponseWriter{ResponseWriter: w}
		defer bw.Close()
		next.ServeHTTP(bw, r)
	})
}

// acceptsEncoding reports whether header lists enc with a nonzero q value.
func acceptsEncoding(header, enc string) bool {
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(name), enc) {
			continue
		}
		params = strings.ReplaceAll(params, " ", "")
		if q, ok := strings.CutPrefix(params, "q="); ok && strings.Trim(q, "0.") == "" {
			return false
		}
		return true
	}
	return false
}

type brotliResponseWriter struct {
	http.ResponseWriter
	bw          *brotli.Writer
	wroteHeader bool
	status      int
}

func (w *brotliResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	if status != http.StatusNoContent && status != http.StatusNotModified {
		h := w.Header()
		h.Del("Content-Length")
		h.Set("Content-Encoding", "br")
		w.bw = brotli.NewWriterLevel(w.ResponseWriter, brotli.DefaultCompression)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *brotliResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.bw == nil {
		return w.ResponseWriter.Write(p)
	}
	return w.bw.Write(p)
}

func (w *brotliResponseWriter) Close() error {
	if w.bw == nil {
		return nil
	}
	return w.bw.Close()
}

func (w *brotliResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
