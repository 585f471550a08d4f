package middleware

import (
	"net/http"
	"time"

	"papertrade/pkg/utils"
)

// Logging - middleware логирования HTTP запросов
//
// Метод, путь, статус, латентность и размер ответа - в структурированный лог.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Logging возвращает middleware с данным логгером
func Logging(log *utils.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			log.Info("request",
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", rw.statusCode),
				utils.Int64("bytes", rw.written),
				utils.Latency(float64(time.Since(start).Microseconds())/1000),
				utils.String("remote", r.RemoteAddr),
			)
		})
	}
}
