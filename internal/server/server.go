package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"keepsake/internal/engine"
	"keepsake/internal/queue"
	"keepsake/internal/repo"
)

// FreeSpaceFunc reports the free bytes under a mount path.
type FreeSpaceFunc func(path string) (uint64, error)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Queue     *queue.Coordinator
	FreeSpace FreeSpaceFunc
	BasePath  string
	Auth      AuthConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"queue_busy"`
	Message string         `json:"message" example:"queue in use, retry"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the queue control API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Queue == nil {
		return nil, errors.New("server: queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Keepsake API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevices(group, cfg.Engine, cfg.FreeSpace)
	registerQueue(group, cfg.Queue, cfg.Logger)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, queue.ErrBusy):
		return newAPIError(http.StatusConflict, "queue_busy", err.Error(), nil)
	case errors.Is(err, queue.ErrInvalidPosition):
		return newAPIError(http.StatusBadRequest, "invalid_position", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Keepsake API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
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

func registerDevices(api huma.API, e engine.Engine, freeSpace FreeSpaceFunc) {
	huma.Register(api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/devices",
		Summary:     "List registered devices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DeviceResponse `json:"body"`
	}, error) {
		devices, err := e.ListDevices(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeviceResponse, 0, len(devices))
		for _, d := range devices {
			out = append(out, deviceResponse(d, freeSpace))
		}
		return &struct {
			Body []DeviceResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerQueue(api huma.API, q *queue.Coordinator, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Queue snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body queue.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body queue.Snapshot `json:"body"`
		}{Body: q.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-reorder",
		Method:      http.MethodPost,
		Path:        "/queue/reorder",
		Summary:     "Move pending actions",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ReorderRequest `json:"body"`
	}) (*struct {
		Body QueueNamesResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermQueueWrite); err != nil {
			return nil, handleError(err)
		}
		positions, err := queue.ExpandRanges(input.Body.Positions)
		if err != nil {
			return nil, handleError(err)
		}
		if err := q.Reorder(positions, input.Body.To); err != nil {
			return nil, handleError(err)
		}
		logger.Info("queue reordered over api", "positions", input.Body.Positions, "to", input.Body.To)
		return &struct {
			Body QueueNamesResponse `json:"body"`
		}{Body: QueueNamesResponse{Pending: nonNilSlice(q.QueuedNames())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-dequeue",
		Method:      http.MethodPost,
		Path:        "/queue/dequeue",
		Summary:     "Remove pending actions",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body DequeueRequest `json:"body"`
	}) (*struct {
		Body DequeueResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermQueueWrite); err != nil {
			return nil, handleError(err)
		}
		positions, err := queue.ExpandRanges(input.Body.Positions)
		if err != nil {
			return nil, handleError(err)
		}
		removed, err := q.Dequeue(positions)
		if err != nil {
			return nil, handleError(err)
		}
		resp := DequeueResponse{Removed: []string{}}
		for _, a := range removed {
			resp.Removed = append(resp.Removed, a.Name())
		}
		logger.Info("actions dequeued over api", "count", len(removed))
		return &struct {
			Body DequeueResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-clear",
		Method:      http.MethodPost,
		Path:        "/queue/clear",
		Summary:     "Forget completed actions",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ClearResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermQueueWrite); err != nil {
			return nil, handleError(err)
		}
		n, err := q.ClearCompleted()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClearResponse `json:"body"`
		}{Body: ClearResponse{Cleared: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-pool-size",
		Method:      http.MethodPut,
		Path:        "/queue/pool-size",
		Summary:     "Resize the executor pool",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body PoolSizeRequest `json:"body"`
	}) (*struct {
		Body PoolSizeRequest `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermQueueWrite); err != nil {
			return nil, handleError(err)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := q.SetPoolSize(input.Body.Size); err != nil {
			return nil, handleError(err)
		}
		logger.Info("pool size changed over api", "size", input.Body.Size)
		return &struct {
			Body PoolSizeRequest `json:"body"`
		}{Body: PoolSizeRequest{Size: q.PoolSize()}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent catalog events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Subject:     p.Subject,
			Source:      p.Source,
			Permissions: nonNilSlice(p.Permissions),
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
