// Package middleware содержит HTTP middleware сервиса статусов заказов.
package middleware

import (
	"compress/gzip"
	"net/http"
	"strings"
)

// GzipMiddleware распаковывает тело запроса, пришедшее с Content-Encoding: gzip.
// Сжатие ответов выполняет chi middleware.Compress.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(strings.ToLower(r.Header.Get("Content-Encoding")), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gr.Close()

		r.Body = gr
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1

		next.ServeHTTP(w, r)
	})
}
