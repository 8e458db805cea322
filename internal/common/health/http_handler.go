package health

import (
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const Path = "/health"

// Handler reports the result of a Checker over HTTP: 204 when healthy, otherwise 503 with the
// failure as the body.
type Handler struct {
	checker Checker
}

func NewHandler(checker Checker) *Handler {
	return &Handler{checker: checker}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.WithError(err).Warn("Health check failed")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := io.WriteString(w, err.Error()); err != nil {
		log.WithError(err).Error("Failed to write health check response")
	}
}

// Register serves checker on mux at Path.
func Register(mux *http.ServeMux, checker Checker) {
	mux.Handle(Path, NewHandler(checker))
}
