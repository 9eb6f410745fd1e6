package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"erp-core/internal/core"
)

type contextKey string

const principalKey contextKey = "principal"

// principalMiddleware materializes the Principal contract from headers.
// Authentication happens upstream; this adapter only requires the identity
// headers to be present and well formed.
func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		companyHeader := r.Header.Get("X-Company-ID")
		if userID == "" || companyHeader == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code: "UNAUTHENTICATED", Message: "X-User-ID and X-Company-ID headers are required",
			})
			return
		}

		companyID, err := uuid.Parse(companyHeader)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code: "UNAUTHENTICATED", Message: "X-Company-ID must be a UUID",
			})
			return
		}

		var caps []core.Capability
		for _, c := range strings.Split(r.Header.Get("X-Capabilities"), ",") {
			c = strings.TrimSpace(strings.ToUpper(c))
			if c != "" {
				caps = append(caps, core.Capability(c))
			}
		}

		principal := core.Principal{UserID: userID, CompanyID: companyID, Capabilities: caps}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func principalFrom(r *http.Request) core.Principal {
	p, _ := r.Context().Value(principalKey).(core.Principal)
	return p
}
