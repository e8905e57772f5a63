package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"farmtrack/internal/app"
	"farmtrack/internal/domain"
)

type bundleKey struct{}

func withBundle(ctx context.Context, b *app.Bundle) context.Context {
	return context.WithValue(ctx, bundleKey{}, b)
}

func bundleFromContext(ctx context.Context) (*app.Bundle, bool) {
	b, ok := ctx.Value(bundleKey{}).(*app.Bundle)
	return b, ok && b != nil
}

// requireBundle is used by API handlers; the session middleware always
// attaches a bundle, so a miss is a wiring error.
func requireBundle(ctx context.Context) (*app.Bundle, huma.StatusError) {
	if b, ok := bundleFromContext(ctx); ok {
		return b, nil
	}
	return nil, newAPIError(http.StatusInternalServerError, "internal_error", "session unavailable", nil)
}

// requireIdentity returns the bundle of an authenticated session.
func requireIdentity(ctx context.Context) (*app.Bundle, domain.Identity, huma.StatusError) {
	b, herr := requireBundle(ctx)
	if herr != nil {
		return nil, domain.Identity{}, herr
	}
	id, ok := b.Session.Identity()
	if !ok {
		return nil, domain.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return b, id, nil
}

// sessionExempt lists paths that never need a client session.
func (s *server) sessionExempt(p string) bool {
	switch p {
	case "/metrics", path.Join(s.basePath, "health"), path.Join(s.basePath, "openapi.json"), path.Join(s.basePath, "docs"):
		return true
	}
	return strings.HasPrefix(p, "/openapi")
}

// withSession attaches the bundle of the browser session to the request,
// issuing a new session cookie when the browser has none.
func (s *server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.sessionExempt(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}
		sid := ""
		if c, err := req.Cookie(s.cookie); err == nil {
			if _, perr := uuid.Parse(c.Value); perr == nil {
				sid = c.Value
			}
		}
		if sid == "" {
			sid = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     s.cookie,
				Value:    sid,
				Path:     "/",
				HttpOnly: true,
				Secure:   s.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		b, err := s.reg.Get(req.Context(), sid)
		if err != nil {
			s.log.Error("session restore failed", zap.Error(err))
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "session unavailable", nil))
			return
		}
		next.ServeHTTP(w, req.WithContext(withBundle(req.Context(), b)))
	})
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
