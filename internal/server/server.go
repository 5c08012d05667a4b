package server

import (
	"bytes"
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
	"github.com/golang-jwt/jwt/v5"

	"growline/internal/domain"
	"growline/internal/engine"
	"growline/internal/engine/auth"
	"growline/internal/repo"
	"growline/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_blocked"`
	Message string         `json:"message" example:"transition blocked for batch b-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reasons\":[\"task is pending\"]}"`
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

// New returns an HTTP handler exposing the Growline API.
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
	hcfg := huma.DefaultConfig("Growline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group)
	registerFacilities(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerBatches(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerMappings(group, cfg.Engine)
	registerLookups(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var gateErr engine.GateError
	if errors.As(err, &gateErr) {
		return newAPIError(http.StatusUnprocessableEntity, "gate_blocked", err.Error(), map[string]any{"reasons": gateErr.Reasons})
	}
	var conflict engine.StageConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "stage_conflict", err.Error(), map[string]any{
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
	}
	var fieldErr engine.FieldError
	if errors.As(err, &fieldErr) {
		return newAPIError(http.StatusBadRequest, "invalid_fields", err.Error(), map[string]any{"problems": fieldErr.Problems})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ae auth.ForbiddenApprovalError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden_approval", err.Error(), map[string]any{"category": ae.Category})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "terminal"):
		return newAPIError(http.StatusConflict, "terminal_stage", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "incomplete"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, facilityID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, facilityID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
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
    <title>Growline API Docs</title>
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

func registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "Lifecycle stage order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		var out []StageResponse
		for _, s := range stage.All() {
			item := StageResponse{Stage: s, Terminal: stage.IsTerminal(s)}
			if next, err := stage.Next(s); err == nil {
				item.Next = next
			}
			out = append(out, item)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: out}, nil
	})
}

type facilityPath struct {
	FacilityID string `path:"facility_id"`
}

func registerFacilities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-facility",
		Method:        http.MethodPost,
		Path:          "/facilities",
		Summary:       "Create facility",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateFacilityRequest `json:"body"`
	}) (*struct {
		Body FacilityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		f, err := e.InitFacility(ctx, input.Body.ID, strPtrValue(input.Body.Description), actorID)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return nil, newAPIError(http.StatusConflict, "conflict", "facility already exists", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body FacilityResponse `json:"body"`
		}{Body: facilityResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-facilities",
		Method:      http.MethodGet,
		Path:        "/facilities",
		Summary:     "List facilities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []FacilityResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListFacilities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]FacilityResponse, 0, len(items))
		for _, f := range items {
			out = append(out, facilityResponse(f))
		}
		return &struct {
			Body []FacilityResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-facility",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}",
		Summary:     "Get facility",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *facilityPath) (*struct {
		Body FacilityResponse `json:"body"`
	}, error) {
		f, err := e.Repo.GetFacility(ctx, input.FacilityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FacilityResponse `json:"body"`
		}{Body: facilityResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-facility-config",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/config",
		Summary:     "Facility configuration",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *facilityPath) (*struct {
		Body FacilityConfigResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetFacilityConfig(ctx, input.FacilityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FacilityConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "facility-status",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/status",
		Summary:     "Facility status",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *facilityPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		f, err := e.Repo.GetFacility(ctx, input.FacilityID)
		if err != nil {
			return nil, handleError(err)
		}
		batches, err := e.Repo.ListBatches(ctx, repo.BatchFilters{FacilityID: f.ID})
		if err != nil {
			return nil, handleError(err)
		}
		stageCounts := map[string]int{}
		for _, b := range batches {
			if b.Status == "in_progress" {
				stageCounts[b.CurrentStage]++
			}
		}
		openTasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{FacilityID: f.ID, Status: "pending"})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"facility_id":   f.ID,
			"status":        f.Status,
			"batch_stages":  stageCounts,
			"pending_tasks": len(openTasks),
		}}, nil
	})
}

func registerBatches(api huma.API, e engine.Engine) {
	type batchPath struct {
		BatchID string `path:"batch_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/facilities/{facility_id}/batches",
		Summary:       "Create batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		FacilityID string             `path:"facility_id"`
		Body       CreateBatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "batch.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBatch(ctx, engine.BatchCreateOptions{
			ID:          strPtrValue(input.Body.ID),
			FacilityID:  input.FacilityID,
			BatchNumber: input.Body.BatchNumber,
			Strain:      strPtrValue(input.Body.Strain),
			Fields:      input.Body.Fields,
			ActorID:     actorID,
		})
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return nil, newAPIError(http.StatusConflict, "conflict", "batch number already exists", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/batches",
		Summary:     "List batches",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
		Stage      string `query:"stage"`
		Status     string `query:"status"`
	}) (*struct {
		Body []BatchResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListBatches(ctx, repo.BatchFilters{
			FacilityID: input.FacilityID,
			Stage:      input.Stage,
			Status:     input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]BatchResponse, 0, len(items))
		for _, b := range items {
			out = append(out, batchResponse(b))
		}
		return &struct {
			Body []BatchResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, b.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-batch",
		Method:      http.MethodPatch,
		Path:        "/batches/{batch_id}",
		Summary:     "Update batch fields or status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string             `path:"batch_id"`
		Body    UpdateBatchRequest `json:"body"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, b.FacilityID, "batch.update"); err != nil {
			return nil, handleError(err)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := e.UpdateBatch(ctx, engine.BatchUpdateOptions{
			BatchID: input.BatchID,
			Fields:  input.Body.Fields,
			Status:  strPtrValue(input.Body.Status),
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "commit-transition",
		Method:        http.MethodPost,
		Path:          "/batches/{batch_id}/transitions",
		Summary:       "Advance batch to the next lifecycle stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BatchID string            `path:"batch_id"`
		Body    TransitionRequest `json:"body"`
	}) (*struct {
		Body struct {
			Batch      BatchResponse      `json:"batch"`
			Transition TransitionResponse `json:"transition"`
		} `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, b.FacilityID, "batch.transition"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, tr, err := e.CommitTransition(ctx, engine.TransitionOptions{
			BatchID:       input.BatchID,
			ExpectedStage: strPtrValue(input.Body.ExpectedStage),
			Fields:        input.Body.Fields,
			TaskIDs:       input.Body.TaskIDs,
			ActorID:       actorID,
			Force:         input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Batch      BatchResponse      `json:"batch"`
				Transition TransitionResponse `json:"transition"`
			} `json:"body"`
		}{}
		resp.Body.Batch = batchResponse(updated)
		resp.Body.Transition = transitionResponse(tr)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/transitions",
		Summary:     "Batch stage history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, b.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTransitions(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TransitionResponse, 0, len(items))
		for _, t := range items {
			out = append(out, transitionResponse(t))
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gate",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/gate",
		Summary:     "Check whether the batch may leave its stage",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
		TaskIDs string `query:"task_ids" doc:"Comma-separated task ids selected for the transition"`
	}) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, b.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		gate, err := e.EvaluateGate(ctx, input.BatchID, splitCSV(input.TaskIDs))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: GateResponse{Allowed: gate.Allowed, Reasons: nonNilSlice(gate.Reasons)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extract-fields",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/extract",
		Summary:     "Preview field extraction from tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string         `path:"batch_id"`
		Body    ExtractRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		b, err := e.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, b.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		fields, err := e.ExtractPreview(ctx, input.BatchID, input.Body.TaskIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: nonNilMap(fields)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/facilities/{facility_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FacilityID string            `path:"facility_id"`
		Body       CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "task.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:             strPtrValue(input.Body.ID),
			FacilityID:     input.FacilityID,
			BatchID:        strPtrValue(input.Body.BatchID),
			Title:          strPtrValue(input.Body.Title),
			Category:       strPtrValue(input.Body.Category),
			Description:    strPtrValue(input.Body.Description),
			LifecycleStage: strPtrValue(input.Body.LifecycleStage),
			SOFNumber:      strPtrValue(input.Body.SOFNumber),
			AssigneeID:     strPtrValue(input.Body.AssigneeID),
			Checklist:      checklistItems(input.Body.Checklist),
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID     string `path:"facility_id"`
		BatchID        string `query:"batch_id"`
		LifecycleStage string `query:"lifecycle_stage"`
		Status         string `query:"status"`
		ApprovalStatus string `query:"approval_status"`
		Category       string `query:"category"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "task.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			FacilityID:     input.FacilityID,
			BatchID:        input.BatchID,
			LifecycleStage: input.LifecycleStage,
			Status:         input.Status,
			ApprovalStatus: input.ApprovalStatus,
			Category:       input.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskResponse, 0, len(items))
		for _, t := range items {
			out = append(out, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.FacilityID, "task.read"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task status, approval or attributes",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		perm := "task.update"
		if input.Body.ApprovalStatus != nil {
			perm = "task.approve"
		}
		if err := requirePermission(ctx, e, t.FacilityID, perm); err != nil {
			return nil, handleError(err)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			TaskID:         input.TaskID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Status:         input.Body.Status,
			ApprovalStatus: input.Body.ApprovalStatus,
			AssigneeID:     input.Body.AssigneeID,
			ActorID:        actorID,
			Force:          input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-checklist-item",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/checklist/{key}",
		Summary:     "Record a checklist answer",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Key    string                  `path:"key"`
		Body   SetChecklistItemRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, t.FacilityID, "task.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := e.SetChecklistItem(ctx, input.TaskID, domain.ChecklistItem{
			Key:    input.Key,
			Done:   input.Body.Done,
			Answer: strPtrValue(input.Body.Answer),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(updated)}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/facilities/{facility_id}/templates",
		Summary:       "Declare a checklist template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		FacilityID string                `path:"facility_id"`
		Body       CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "template.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tpl, err := e.SaveTemplate(ctx, domain.ChecklistTemplate{
			ID:             strPtrValue(input.Body.ID),
			FacilityID:     input.FacilityID,
			SOFNumber:      input.Body.SOFNumber,
			Name:           input.Body.Name,
			LifecyclePhase: strPtrValue(input.Body.LifecyclePhase),
			Items:          checklistItems(input.Body.Items),
		}, actorID)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return nil, newAPIError(http.StatusConflict, "conflict", "sof_number already declared", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(tpl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/templates",
		Summary:     "List checklist templates",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *facilityPath) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "task.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTemplates(ctx, input.FacilityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TemplateResponse, 0, len(items))
		for _, tpl := range items {
			out = append(out, templateResponse(tpl))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-template-active",
		Method:      http.MethodPatch,
		Path:        "/templates/{template_id}",
		Summary:     "Activate or retire a template",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
		Body       struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		tpl, err := e.Repo.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, tpl.FacilityID, "template.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		tpl, err = e.SetTemplateActive(ctx, input.TemplateID, input.Body.Active, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(tpl)}, nil
	})
}

func registerMappings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mapping",
		Method:        http.MethodPost,
		Path:          "/facilities/{facility_id}/mappings",
		Summary:       "Create field mapping",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string               `path:"facility_id"`
		Body       CreateMappingRequest `json:"body"`
	}) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "mapping.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		m, err := e.SaveMapping(ctx, domain.FieldMapping{
			ID:               strPtrValue(input.Body.ID),
			FacilityID:       input.FacilityID,
			TaskCategory:     strPtrValue(input.Body.TaskCategory),
			SOFNumber:        strPtrValue(input.Body.SOFNumber),
			ApplicableStages: input.Body.ApplicableStages,
			Fields:           input.Body.Fields,
			ItemMappings:     input.Body.ItemMappings,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MappingResponse `json:"body"`
		}{Body: mappingResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mappings",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/mappings",
		Summary:     "List field mappings",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *facilityPath) (*struct {
		Body []MappingResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "task.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMappings(ctx, input.FacilityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MappingResponse, 0, len(items))
		for _, m := range items {
			out = append(out, mappingResponse(m))
		}
		return &struct {
			Body []MappingResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-mapping",
		Method:      http.MethodDelete,
		Path:        "/mappings/{mapping_id}",
		Summary:     "Delete field mapping",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MappingID string `path:"mapping_id"`
	}) (*struct{}, error) {
		m, err := e.Repo.GetMapping(ctx, input.MappingID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, m.FacilityID, "mapping.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if err := e.DeleteMapping(ctx, input.MappingID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLookups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-lookup",
		Method:      http.MethodPut,
		Path:        "/facilities/{facility_id}/lookups",
		Summary:     "Create or update a lookup entry",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string              `path:"facility_id"`
		Body       UpsertLookupRequest `json:"body"`
	}) (*struct {
		Body LookupResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "lookup.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		active := true
		if input.Body.Active != nil {
			active = *input.Body.Active
		}
		l, err := e.SaveLookup(ctx, domain.Lookup{
			FacilityID: input.FacilityID,
			Category:   input.Body.Category,
			Code:       input.Body.Code,
			Label:      input.Body.Label,
			Position:   input.Body.Position,
			Active:     active,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LookupResponse `json:"body"`
		}{Body: lookupResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lookups",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/lookups",
		Summary:     "List lookup entries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
		Category   string `query:"category"`
	}) (*struct {
		Body []LookupResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLookups(ctx, input.FacilityID, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LookupResponse, 0, len(items))
		for _, l := range items {
			out = append(out, lookupResponse(l))
		}
		return &struct {
			Body []LookupResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}/events",
		Summary:     "Audit event log",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Type       string `query:"type"`
		AfterID    int64  `query:"after_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.FacilityID, "batch.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			FacilityID: input.FacilityID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Type:       input.Type,
			AfterID:    input.AfterID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/facilities/{facility_id}/rbac/assignments",
		Summary:     "Assign a role to an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string            `path:"facility_id"`
		Body       AssignRoleRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.ActorID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.FacilityID, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/facilities/{facility_id}/rbac/assignments",
		Summary:     "Revoke a role from an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
		ActorID    string `query:"actor_id"`
		RoleID     string `query:"role_id"`
	}) (*struct{}, error) {
		if input.ActorID == "" || input.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.FacilityID, actorID, input.ActorID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/facilities/{facility_id}/rbac/api-keys",
		Summary:       "Mint an API key for an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string              `path:"facility_id"`
		Body       CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, raw, err := e.MintAPIKey(ctx, input.FacilityID, actorID, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		// The plaintext key is only returned once.
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: key.ID, ActorID: key.ActorID, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allow-approval-role",
		Method:      http.MethodPost,
		Path:        "/facilities/{facility_id}/rbac/approval-authorities",
		Summary:     "Let a role approve a task category",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
		Body       struct {
			Category string `json:"category"`
			RoleID   string `json:"role_id"`
		} `json:"body"`
	}) (*struct{}, error) {
		if input.Body.Category == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "category and role_id are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AllowApprovalRole(ctx, input.FacilityID, actorID, input.Body.Category, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deny-approval-role",
		Method:      http.MethodDelete,
		Path:        "/facilities/{facility_id}/rbac/approval-authorities",
		Summary:     "Remove a role's approval authority",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
		Category   string `query:"category"`
		RoleID     string `query:"role_id"`
	}) (*struct{}, error) {
		if input.Category == "" || input.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "category and role_id are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DenyApprovalRole(ctx, input.FacilityID, actorID, input.Category, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 && e.Config != nil {
			if who, err := e.WhoAmI(ctx, e.Config.Facility.ID, principal.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				perms = who.Actions
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, actorID string, roles, permissions []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now().UTC()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
		Roles:       roles,
		Permissions: permissions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 500 {
		return 500
	}
	return in
}

func splitCSV(in string) []string {
	if strings.TrimSpace(in) == "" {
		return nil
	}
	parts := strings.Split(in, ",")
	var out []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
