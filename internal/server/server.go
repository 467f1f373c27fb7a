// Package server exposes the read-only dashboard API over the lattice
// root. All mutation goes through the CLI; the server never takes locks
// and never writes, it only reads snapshots and event logs.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lattice/internal/domain"
	"lattice/internal/engine"
	"lattice/internal/stats"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task task_0199 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError maps engine error codes onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch domain.CodeOf(err) {
	case domain.CodeNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case domain.CodeConflict:
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case domain.CodeValidation:
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case domain.CodeInvalidState:
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", msg, nil)
	case domain.CodeInvalidTransition:
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case domain.CodeCompletionBlocked:
		return newAPIError(http.StatusUnprocessableEntity, "completion_blocked", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// New returns an HTTP handler exposing the dashboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Lattice Dashboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerComments(group, cfg.Engine)
	registerStats(group, cfg.Engine)

	return router, nil
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

// TaskListResponse wraps a snapshot listing.
type TaskListResponse struct {
	Items []*domain.Snapshot `json:"items"`
	Count int                `json:"count"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Type     string `query:"type"`
		Assignee string `query:"assignee"`
		Tag      string `query:"tag"`
		Archived bool   `query:"archived"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		filter := engine.ListFilter{
			Status:   input.Status,
			Type:     input.Type,
			Assignee: input.Assignee,
			Tag:      input.Tag,
		}
		var snaps []*domain.Snapshot
		var err error
		if input.Archived {
			snaps, err = e.ListArchivedTasks(filter)
		} else {
			snaps, err = e.ListTasks(filter)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: snaps, Count: len(snaps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Task     *domain.Snapshot `json:"task"`
			Archived bool             `json:"archived"`
		} `json:"body"`
	}, error) {
		snap, archived, err := e.GetTask(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Task     *domain.Snapshot `json:"task"`
				Archived bool             `json:"archived"`
			} `json:"body"`
		}{}
		out.Body.Task = snap
		out.Body.Archived = archived
		return out, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/events",
		Summary:     "Task event log",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Items []domain.Event `json:"items"`
			Count int            `json:"count"`
		} `json:"body"`
	}, error) {
		evs, err := e.TaskEvents(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Limit > 0 && len(evs) > input.Limit {
			evs = evs[len(evs)-input.Limit:]
		}
		out := &struct {
			Body struct {
				Items []domain.Event `json:"items"`
				Count int            `json:"count"`
			} `json:"body"`
		}{}
		out.Body.Items = evs
		out.Body.Count = len(evs)
		return out, nil
	})
}

func registerComments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-comments",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/comments",
		Summary:     "Threaded task comments",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Items []*domain.Comment `json:"items"`
			Count int               `json:"count"`
		} `json:"body"`
	}, error) {
		comments, err := e.Comments(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []*domain.Comment `json:"items"`
				Count int               `json:"count"`
			} `json:"body"`
		}{}
		out.Body.Items = comments
		out.Body.Count = len(comments)
		return out, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Aggregate statistics",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		WindowDays int `query:"window_days"`
	}) (*struct {
		Body *stats.Summary `json:"body"`
	}, error) {
		window := 7 * 24 * time.Hour
		if input.WindowDays > 0 {
			window = time.Duration(input.WindowDays) * 24 * time.Hour
		}
		summary, err := stats.Collect(e.Root, e.Now(), window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *stats.Summary `json:"body"`
		}{Body: summary}, nil
	})
}
