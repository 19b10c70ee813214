package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/origin"
)

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		if !s.origin.Allowed(originHeader, r.Host) {
			s.log.Warn("rejected request from disallowed origin",
				"origin", originHeader,
				"path", r.URL.Path,
				"request_id", r.Header.Get("X-Request-ID"),
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		normalized, _, _ := origin.Normalize(originHeader)

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		next(w, r)
	}
}
