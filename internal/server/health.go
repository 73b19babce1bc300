package server

import "net/http"

// Pre-allocated response body and header value slice (see respond.go:jsonCT).
var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody) //nolint:errcheck
}

// handleReadyz reports ready once the handler is serving; the gateway has no
// external hard dependency to probe (commerce and identity degrade at
// request time instead).
func (s *server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody) //nolint:errcheck
}
