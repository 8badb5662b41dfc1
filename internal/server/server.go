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

	"opdtrack/internal/engine"
	"opdtrack/internal/repo"
	"opdtrack/internal/view"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Notifier *Notifier
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"cannot pause activity with status to_do"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"to_do\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the OPD tracking API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("OPD Tracking API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkOrders(group, cfg.Engine)
	registerActivities(group, cfg.Engine, cfg.Notifier)
	registerForms(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
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
	var te engine.IllegalTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{"action": te.Action, "from": te.From})
	}
	var fe engine.FormRequiredError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusUnprocessableEntity, "form_required", err.Error(), map[string]any{"kind": fe.Kind, "schema_ref": fe.SchemaRef})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
    <title>OPD Tracking API Docs</title>
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

func registerWorkOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workorder",
		Method:        http.MethodPost,
		Path:          "/workorders",
		Summary:       "Create work order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		if input.Body.Number == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "number is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkOrder(ctx, engine.WorkOrderCreateOptions{
			Number:        input.Body.Number,
			Customer:      stringOrEmpty(input.Body.Customer),
			ProductType:   stringOrEmpty(input.Body.ProductType),
			Responsible:   stringOrEmpty(input.Body.Responsible),
			OrderDate:     stringOrEmpty(input.Body.OrderDate),
			ForecastStart: stringOrEmpty(input.Body.ForecastStart),
			ForecastEnd:   stringOrEmpty(input.Body.ForecastEnd),
			Actor:         actor,
			SkipChecklist: input.Body.SkipChecklist,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workorders",
		Method:      http.MethodGet,
		Path:        "/workorders",
		Summary:     "List work orders",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkOrderResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkOrders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkOrderResponse `json:"body"`
		}{Body: mapWorkOrders(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workorder",
		Method:      http.MethodGet,
		Path:        "/workorders/{number}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkOrder(ctx, input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workorder",
		Method:      http.MethodPatch,
		Path:        "/workorders/{number}",
		Summary:     "Update work order",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Number string                 `path:"number"`
		Body   UpdateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		u := repo.WorkOrderUpdate{
			Customer:      input.Body.Customer,
			ProductType:   input.Body.ProductType,
			Responsible:   input.Body.Responsible,
			OrderDate:     input.Body.OrderDate,
			ForecastStart: input.Body.ForecastStart,
			ForecastEnd:   input.Body.ForecastEnd,
		}
		if err := e.Repo.UpdateWorkOrder(ctx, input.Number, u); err != nil {
			return nil, handleError(err)
		}
		w, err := e.Repo.GetWorkOrder(ctx, input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workorder",
		Method:      http.MethodDelete,
		Path:        "/workorders/{number}",
		Summary:     "Delete work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteWorkOrder(ctx, input.Number); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine, notifier *Notifier) {
	huma.Register(api, huma.Operation{
		OperationID: "workorder-checklist",
		Method:      http.MethodGet,
		Path:        "/workorders/{number}/activities",
		Summary:     "Work order checklist",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
		Status string `query:"status" enum:"to_do,in_progress,paused,done"`
		Due    string `query:"due" enum:"all,overdue,today,3_days,7_days,30_days"`
		Sort   string `query:"sort" enum:"date,days_left,status"`
	}) (*struct {
		Body ChecklistResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkOrder(ctx, input.Number); err != nil {
			return nil, handleError(err)
		}
		activities, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{WorkOrder: input.Number})
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC()
		nodes := view.Apply(view.Build(activities), view.Query{
			Status: input.Status,
			Due:    input.Due,
			Sort:   input.Sort,
		}, now)
		resp := ChecklistResponse{
			WorkOrder:  input.Number,
			Stats:      view.Summarize(activities),
			Activities: []ActivityNodeResponse{},
		}
		for _, n := range nodes {
			resp.Activities = append(resp.Activities, nodeResponse(n, now))
		}
		return &struct {
			Body ChecklistResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/workorders/{number}/activities",
		Summary:       "Add activity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Number string                `path:"number"`
		Body   CreateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ActivityCreateOptions{
			WorkOrder: input.Number,
			Kind:      input.Body.Kind,
			Crew:      stringOrEmpty(input.Body.Crew),
			ParentID:  stringOrEmpty(input.Body.ParentID),
			DueDate:   stringOrEmpty(input.Body.DueDate),
			Notes:     stringOrEmpty(input.Body.Notes),
			Actor:     actor,
		}
		if input.Body.Seq != nil {
			opts.Seq = *input.Body.Seq
		}
		a, err := e.AddActivity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a, time.Now().UTC())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/workorders/{number}/activities/{id}",
		Summary:     "Get activity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
		ID     string `path:"id"`
	}) (*struct {
		Body ActivityDetailResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetActivity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.WorkOrder != input.Number {
			return nil, newAPIError(http.StatusNotFound, "not_found", "activity not found in work order", nil)
		}
		logs, err := e.Repo.LatestLogs(ctx, repo.LogFilters{ActivityID: input.ID, Limit: 50})
		if err != nil {
			return nil, handleError(err)
		}
		detail := ActivityDetailResponse{
			ActivityResponse: activityResponse(a, time.Now().UTC()),
			Logs:             make([]LogEntryResponse, 0, len(logs)),
		}
		for _, l := range logs {
			detail.Logs = append(detail.Logs, logResponse(l))
		}
		return &struct {
			Body ActivityDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activity-timer",
		Method:      http.MethodPost,
		Path:        "/workorders/{number}/activities/{id}/timer",
		Summary:     "Apply timer action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Number string       `path:"number"`
		ID     string       `path:"id"`
		Body   TimerRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if input.Body.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetActivity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.WorkOrder != input.Number {
			return nil, newAPIError(http.StatusNotFound, "not_found", "activity not found in work order", nil)
		}
		a, err = e.Timer(ctx, engine.TimerRequest{ActivityID: input.ID, Action: input.Body.Action, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		if notifier != nil {
			notifier.Wake()
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a, time.Now().UTC())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activity-logs",
		Method:      http.MethodGet,
		Path:        "/workorders/{number}/activities/{id}/logs",
		Summary:     "Activity transition log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body []LogEntryResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetActivity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.WorkOrder != input.Number {
			return nil, newAPIError(http.StatusNotFound, "not_found", "activity not found in work order", nil)
		}
		logs, err := e.Repo.LatestLogs(ctx, repo.LogFilters{ActivityID: input.ID, Limit: input.Limit, Cursor: input.Cursor})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LogEntryResponse, 0, len(logs))
		for _, l := range logs {
			out = append(out, logResponse(l))
		}
		return &struct {
			Body []LogEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerForms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-form",
		Method:        http.MethodPost,
		Path:          "/workorders/{number}/forms",
		Summary:       "Submit quality-control form",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Number string            `path:"number"`
		Body   SubmitFormRequest `json:"body"`
	}) (*struct {
		Body FormResultResponse `json:"body"`
	}, error) {
		if input.Body.SchemaRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "schema_ref is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload := ""
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
			}
			payload = string(data)
		}
		fr, err := e.SubmitForm(ctx, engine.FormSubmitOptions{
			WorkOrder:   input.Number,
			ActivityID:  stringOrEmpty(input.Body.ActivityID),
			SchemaRef:   input.Body.SchemaRef,
			FilledBy:    actor,
			Draft:       input.Body.Draft,
			PayloadJSON: payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FormResultResponse `json:"body"`
		}{Body: formResultResponse(fr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-form",
		Method:      http.MethodGet,
		Path:        "/workorders/{number}/forms/{id}",
		Summary:     "Get form result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
		ID     string `path:"id"`
	}) (*struct {
		Body FormResultResponse `json:"body"`
	}, error) {
		fr, err := e.Repo.GetFormResult(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if fr.WorkOrder != input.Number {
			return nil, newAPIError(http.StatusNotFound, "not_found", "form result not found in work order", nil)
		}
		return &struct {
			Body FormResultResponse `json:"body"`
		}{Body: formResultResponse(fr)}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "Latest transition log entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkOrder string `query:"work_order"`
		Action    string `query:"action" enum:"started,paused,resumed,finished"`
		Actor     string `query:"actor"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body []LogEntryResponse `json:"body"`
	}, error) {
		logs, err := e.Repo.LatestLogs(ctx, repo.LogFilters{
			WorkOrder: input.WorkOrder,
			Action:    input.Action,
			Actor:     input.Actor,
			Limit:     input.Limit,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LogEntryResponse, 0, len(logs))
		for _, l := range logs {
			out = append(out, logResponse(l))
		}
		return &struct {
			Body []LogEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}
