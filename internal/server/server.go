package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"farmtrack/internal/api"
	"farmtrack/internal/app"
	"farmtrack/internal/dashboard"
	"farmtrack/internal/listview"
	"farmtrack/internal/rbac"
	"farmtrack/internal/session"
	"farmtrack/internal/views"
)

// Config for the web client handler.
type Config struct {
	Registry *app.Registry
	// BasePath prefixes the JSON view-state API.
	BasePath     string
	CookieName   string
	SecureCookie bool
	Logger       *zap.Logger
	// Metrics is optional; nil disables /metrics.
	Metrics *Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"Farmer may not delete activity"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"action\":\"delete activity\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type server struct {
	reg      *app.Registry
	basePath string
	cookie   string
	secure   bool
	log      *zap.Logger
	metrics  *Metrics
	pages    *pages
}

// New returns an HTTP handler serving the web client pages and the view-state
// API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/ui/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "farmtrack_session"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	pg, err := loadPages()
	if err != nil {
		return nil, err
	}
	s := &server{
		reg:      cfg.Registry,
		basePath: basePath,
		cookie:   cfg.CookieName,
		secure:   cfg.SecureCookie,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		pages:    pg,
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)
	router.Use(s.withSession)

	hcfg := huma.DefaultConfig("Farmtrack UI API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSession(group)
	registerGuard(group)
	registerDashboard(group)
	registerListView(group, activitiesView)
	registerListView(group, tasksView)
	registerListView(group, usersView)
	registerTaskStatus(group)
	registerOpenAPI(router, hapi, basePath, s.cookie)

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler())
	}
	s.registerPages(router)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *listview.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"fields": ve.Fields})
	}
	var fe rbac.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	switch {
	case errors.Is(err, session.ErrExpired):
		return newAPIError(http.StatusUnauthorized, "session_expired", "session expired", nil)
	case errors.Is(err, listview.ErrNoIdentity), errors.Is(err, dashboard.ErrNoIdentity):
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	case errors.Is(err, listview.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, listview.ErrBusy):
		return newAPIError(http.StatusConflict, "busy", err.Error(), nil)
	case errors.Is(err, views.ErrImmutable):
		return newAPIError(http.StatusConflict, "immutable", err.Error(), nil)
	case errors.Is(err, listview.ErrNoDraft):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ae *api.APIError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusBadGateway, "upstream_error", api.Message(err, "Unknown error"), map[string]any{"status": ae.StatusCode})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown field") || strings.Contains(lowered, "unknown filter") ||
		strings.Contains(lowered, "not an attachment") || strings.Contains(lowered, "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, hapi huma.API, basePath, cookie string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := hapi.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath, cookie)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// ensureDefaultErrorResponses documents the error envelope as the default
// response of every operation.
func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.Schemas == nil {
		oas.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	}
	envelope := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: envelope,
					},
				},
			}
		}
	}
}

// applyAuthSecurity documents the session cookie. Health, login and the
// session state are open.
func applyAuthSecurity(oas *huma.OpenAPI, basePath, cookie string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["sessionCookie"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "cookie",
		Name: cookie,
	}
	security := []map[string][]string{{"sessionCookie": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):        true,
		path.Join(basePath, "session"):       true,
		path.Join(basePath, "session/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Farmtrack UI API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Log in through POST session/login; the session cookie authenticates every other call.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(hapi huma.API) {
	huma.Register(hapi, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
