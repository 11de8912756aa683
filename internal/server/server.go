package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskfeed/internal/engine"
	"taskfeed/internal/policy"
	"taskfeed/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"not authorized for this task"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskfeed API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskfeed API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerNotes(group, cfg.Engine)
	registerWA(group, cfg.Engine)
	registerChat(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	switch {
	case errors.Is(err, policy.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, "unauthenticated", err.Error(), nil)
	case errors.Is(err, policy.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "store_unavailable", "store operation failed", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Include string `query:"include" doc:"Comma-separated extras; 'whatsapp' adds the external channel"`
		All     string `query:"all" doc:"'1' is shorthand for include=whatsapp"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		viewer := viewerFromContext(ctx)
		includeExternal := strings.Contains(input.Include, "whatsapp") || input.All == "1"
		tasks, err := e.ListTasks(ctx, viewer, includeExternal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body struct {
			OK   bool         `json:"ok"`
			Task TaskResponse `json:"task"`
		} `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := e.CreateTask(ctx, viewerFromContext(ctx), input.Body.Title)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				OK   bool         `json:"ok"`
				Task TaskResponse `json:"task"`
			} `json:"body"`
		}{}
		out.Body.OK = true
		out.Body.Task = taskResponse(t)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task title, steps or completion",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		u := repo.TaskUpdates{
			Title:     input.Body.Title,
			Completed: input.Body.Completed,
		}
		if input.Body.Steps != nil {
			b, err := json.Marshal(input.Body.Steps)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid steps", nil)
			}
			s := string(b)
			u.StepsJSON = &s
		}
		t, err := e.UpdateTask(ctx, viewerFromContext(ctx), input.ID, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteResult `json:"body"`
	}, error) {
		if err := e.DeleteTask(ctx, viewerFromContext(ctx), input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResult `json:"body"`
		}{Body: DeleteResult{OK: true, ID: input.ID}}, nil
	})
}

func registerNotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-note",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/note",
		Summary:     "Append a note to a task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NoteRequest `json:"body"`
	}) (*struct {
		Body NoteResult `json:"body"`
	}, error) {
		if input.Body.Note == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "note is required", nil)
		}
		t, err := e.AddNote(ctx, viewerFromContext(ctx), input.ID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		resp := taskResponse(t)
		return &struct {
			Body NoteResult `json:"body"`
		}{Body: NoteResult{OK: true, Notes: resp.Notes, Task: resp}}, nil
	})
}

func registerWA(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "send-wa",
		Method:      http.MethodPost,
		Path:        "/wa",
		Summary:     "Forward a message to the WhatsApp workflow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SendWARequest `json:"body"`
	}) (*struct {
		Body struct {
			OK     bool            `json:"ok"`
			Status int             `json:"status"`
			Data   json.RawMessage `json:"data"`
		} `json:"body"`
	}, error) {
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "missing 'body' string", nil)
		}
		res, err := e.SendWhatsApp(ctx, viewerFromContext(ctx), input.Body.Body, input.Body.Number)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				OK     bool            `json:"ok"`
				Status int             `json:"status"`
				Data   json.RawMessage `json:"data"`
			} `json:"body"`
		}{}
		out.Body.OK = res.OK
		out.Body.Status = res.Status
		out.Body.Data = res.Data
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "inbound-wa",
		Method:        http.MethodPost,
		Path:          "/wa/inbound",
		Summary:       "Create a task from the WhatsApp workflow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Secret string           `header:"X-Taskfeed-Secret"`
		Body   InboundWARequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		secret := e.Config.WA.InboundSecret
		if secret == "" || input.Secret != secret {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "invalid inbound secret", nil)
		}
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "missing 'body' string", nil)
		}
		t, err := e.CreateExternalTask(ctx, input.Body.Body, input.Body.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerChat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Relay a message to the chat workflow",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		if input.Body.Message == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message required", nil)
		}
		email := input.Body.UserEmail
		if v := viewerFromContext(ctx); v.Email != "" {
			email = v.Email
		}
		reply, err := e.Chat.Ask(ctx, email, input.Body.Message)
		if err != nil {
			// The bot being down is not the caller's problem.
			reply = "(error talking to bot)"
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{Reply: reply}}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	if !cfg.DevLoginEnabled {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token (dev only)",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := SignToken(cfg.JWTSecret, input.Body.UserID, input.Body.Email, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Security = []map[string][]string{{"bearerAuth": {}}}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskfeed API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Anonymous calls see only WhatsApp tasks.
    </p>
  </body>
</html>`, specURL)
}
