package middleware

import (
	"net/http"

	"papertrade/pkg/utils"
)

// Recovery - middleware перехвата паник в handler'ах
//
// Паника в одном запросе не должна ронять процесс: контур исполнения
// и broadcast шина живут в том же процессе, что и HTTP сервер.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic recovered",
						utils.Any("panic", rec),
						utils.String("path", r.URL.Path),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
