package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/flow"
	"taskflow/internal/graph"
	"taskflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Orchestrator
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle_detected"`
	Message string         `json:"message" example:"edge would create a dependency cycle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerVerifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

// handleError maps engine sentinels onto the error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, flow.ErrUnknownFlow):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, flow.ErrTerminalState):
		return newAPIError(http.StatusConflict, "terminal_state", err.Error(), nil)
	case errors.Is(err, flow.ErrInvalidTrigger):
		return newAPIError(http.StatusConflict, "invalid_trigger", err.Error(), nil)
	case errors.Is(err, flow.ErrVerificationRequired):
		return newAPIError(http.StatusUnprocessableEntity, "verification_required", err.Error(), nil)
	case errors.Is(err, graph.ErrCycleDetected):
		return newAPIError(http.StatusConflict, "cycle_detected", err.Error(), nil)
	case errors.Is(err, graph.ErrDuplicateEdge):
		return newAPIError(http.StatusConflict, "duplicate_edge", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

type itemBody struct {
	Body domain.WorkItem `json:"body"`
}

func registerItems(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			ID                   string   `json:"id,omitempty"`
			Kind                 string   `json:"kind" enum:"project,feature,task"`
			Title                string   `json:"title"`
			Tags                 []string `json:"tags,omitempty"`
			ParentID             string   `json:"parent_id,omitempty"`
			RequiresVerification bool     `json:"requires_verification,omitempty"`
		}
	}) (*itemBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := o.CreateItem(ctx, engine.CreateOptions{
			ID:                   input.Body.ID,
			Kind:                 domain.Kind(input.Body.Kind),
			Title:                input.Body.Title,
			Tags:                 input.Body.Tags,
			ParentID:             input.Body.ParentID,
			RequiresVerification: input.Body.RequiresVerification,
			ActorID:              actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*itemBody, error) {
		item, err := o.Repo.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		Status string `query:"status"`
		Parent string `query:"parent"`
		Tag    string `query:"tag"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := o.Repo.ListItems(ctx, repo.ItemFilters{
			Kind:     domain.Kind(input.Kind),
			Status:   input.Status,
			ParentID: input.Parent,
			Tag:      input.Tag,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-item",
		Method:        http.MethodDelete,
		Path:          "/items/{id}",
		Summary:       "Delete work item",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := o.DeleteItem(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/items/{id}/transition",
		Summary:     "Request a status transition",
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Kind    string `json:"kind,omitempty" enum:"project,feature,task,"`
			Trigger string `json:"trigger"`
		}
	}) (*struct {
		Body domain.TransitionResult `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := o.RequestTransition(ctx, input.ID, domain.Kind(input.Body.Kind), domain.Trigger(input.Body.Trigger), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-status",
		Method:      http.MethodGet,
		Path:        "/items/{id}/next-status",
		Summary:     "Recommend the next status without mutating",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body flow.Recommendation `json:"body"`
	}, error) {
		rec, err := o.NextStatus(ctx, input.ID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body flow.Recommendation `json:"body"`
		}{Body: rec}, nil
	})
}

func registerDependencies(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/dependencies",
		Summary:       "Add a BLOCKS edge",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
	}) (*struct {
		Body domain.DependencyEdge `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		edge, err := o.AddDependency(ctx, input.Body.From, input.Body.To, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DependencyEdge `json:"body"`
		}{Body: edge}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency-batch",
		Method:        http.MethodPost,
		Path:          "/dependencies/batch",
		Summary:       "Add a batch of BLOCKS edges",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Pattern string   `json:"pattern" enum:"linear,fan-out,fan-in"`
			TaskIDs []string `json:"task_ids"`
		}
	}) (*struct {
		Body []domain.DependencyEdge `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		edges, err := o.AddDependencyBatch(ctx, domain.BatchPattern(input.Body.Pattern), input.Body.TaskIDs, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DependencyEdge `json:"body"`
		}{Body: edges}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-blocked",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/blocked",
		Summary:     "Is the task blocked by unfinished predecessors",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		blocked, err := o.QueryBlocked(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"blocked": blocked}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-blockers",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/blockers",
		Summary:     "Transitive blocking predecessors",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		blockers, err := o.QueryBlockers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: blockers}, nil
	})
}

func registerVerifications(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "require-criterion",
		Method:        http.MethodPost,
		Path:          "/items/{id}/criteria",
		Summary:       "Require a completion criterion",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Criterion string `json:"criterion"`
		}
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := o.RequireCriterion(ctx, input.ID, input.Body.Criterion); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-verification",
		Method:        http.MethodPost,
		Path:          "/items/{id}/verifications",
		Summary:       "Record a satisfied criterion",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Criterion string `json:"criterion"`
		}
	}) (*struct {
		Body domain.Verification `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := o.RecordVerification(ctx, input.ID, input.Body.Criterion, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Verification `json:"body"`
		}{Body: v}, nil
	})
}

func registerEvents(api huma.API, o *engine.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Item  string `query:"item"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := o.Repo.LatestEvents(ctx, input.Limit, input.Item)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}
