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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"versekeep/internal/domain"
	"versekeep/internal/engine"
	"versekeep/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot publish poem 1f0c: status archived"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the versekeep API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	if cfg.Auth.Keys == nil {
		cfg.Auth.Keys = cfg.Engine
	}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Versekeep API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerContracts(group, cfg.Engine)
	registerPoems(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerPatterns(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"entity": nf.Entity})
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		details := map[string]any{"platform": string(ce.Platform)}
		if ce.ExistingID != "" {
			details["existing_id"] = ce.ExistingID
		}
		return newAPIError(http.StatusConflict, "conflict", err.Error(), details)
	}
	var st domain.StateError
	if errors.As(err, &st) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"entity": st.Entity, "status": st.Status})
	}
	if domain.IsStore(err) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// scoped returns the engine restricted to the request's writer.
func scoped(ctx context.Context, e engine.Engine) (engine.Engine, string, huma.StatusError) {
	writerID, authErr := writerIDFromContext(ctx)
	if authErr != nil {
		return engine.Engine{}, "", authErr
	}
	return e.ForWriter(writerID), writerID, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	document := sync.OnceValues(func() ([]byte, error) {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		return json.Marshal(oas)
	})
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		doc, err := document()
		if err != nil {
			http.Error(w, "openapi document unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Versekeep API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "declare-platform",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Declare a platform contract",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body DeclareContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		se, writerID, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := se.DeclarePlatform(ctx, engine.DeclareOptions{
			WriterID:  writerID,
			Platform:  input.Body.Platform,
			Timezone:  input.Body.Timezone,
			StartDate: input.Body.StartDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "init-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/init",
		Summary:     "Attach cadence rules and activate a contract",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContractID string              `path:"contract_id"`
		Body       InitContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		cadence, err := input.Body.cadence()
		if err != nil {
			return nil, handleError(err)
		}
		c, err := se.InitContract(ctx, input.ContractID, cadence)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Contract status summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		view, err := se.Status(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		view.Poems = nonNilSlice(view.Poems)
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List the writer's contracts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,active,completed,archived,broken"`
	}) (*struct {
		Body []ContractResponse `json:"body"`
	}, error) {
		se, writerID, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		var statuses []domain.ContractStatus
		if input.Status != "" {
			statuses = append(statuses, domain.ContractStatus(input.Status))
		}
		items, err := se.ListContracts(ctx, writerID, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContractResponse `json:"body"`
		}{Body: mapContracts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-compliance-log",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/log",
		Summary:     "Compliance log of a contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body []domain.LogEntry `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := se.ComplianceLog(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogEntry `json:"body"`
		}{Body: nonNilSlice(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-poem",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/poems",
		Summary:       "Submit a poem",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContractID string            `path:"contract_id"`
		Body       SubmitPoemRequest `json:"body"`
	}) (*struct {
		Body domain.Poem `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := se.SubmitPoem(ctx, engine.SubmitOptions{ContractID: input.ContractID, Title: input.Body.Title, Body: input.Body.Body})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Poem `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-poems",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/poems",
		Summary:     "List a contract's poems",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body []domain.Poem `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := se.ListPoems(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Poem `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerPoems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-poem",
		Method:      http.MethodGet,
		Path:        "/poems/{poem_id}",
		Summary:     "Poem with version history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoemID string `path:"poem_id"`
	}) (*struct {
		Body PoemResponse `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		view, err := se.GetPoem(ctx, input.PoemID)
		if err != nil {
			return nil, handleError(err)
		}
		view.Versions = nonNilSlice(view.Versions)
		return &struct {
			Body PoemResponse `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-revision",
		Method:      http.MethodPost,
		Path:        "/poems/{poem_id}/revisions",
		Summary:     "Submit a revision",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PoemID string          `path:"poem_id"`
		Body   RevisionRequest `json:"body"`
	}) (*struct {
		Body RevisionResponse `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := se.SubmitRevision(ctx, input.PoemID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RevisionResponse `json:"body"`
		}{Body: RevisionResponse{ID: p.ID, VersionNumber: p.VersionNumber, Status: p.Status, DeadlineAt: p.DeadlineAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-poem",
		Method:      http.MethodPost,
		Path:        "/poems/{poem_id}/publish",
		Summary:     "Publish a poem",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PoemID string          `path:"poem_id"`
		Body   *PublishRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Poem `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		grace := input.Body != nil && input.Body.Grace
		p, err := se.PublishPoem(ctx, input.PoemID, grace)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Poem `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upload-recording",
		Method:      http.MethodPut,
		Path:        "/poems/{poem_id}/recording",
		Summary:     "Attach a recording reference",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoemID string           `path:"poem_id"`
		Body   RecordingRequest `json:"body"`
	}) (*struct {
		Body domain.Poem `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := se.UploadRecording(ctx, input.PoemID, input.Body.RecordingRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Poem `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-reflection",
		Method:      http.MethodPost,
		Path:        "/poems/{poem_id}/reflection",
		Summary:     "Mark the reflection complete",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PoemID string `path:"poem_id"`
	}) (*struct {
		Body domain.Poem `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := se.CompleteReflection(ctx, input.PoemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Poem `json:"body"`
		}{Body: p}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List the writer's notifications",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread" doc:"Only unread notifications"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		se, writerID, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := se.Notifications(ctx, writerID, input.Unread)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		n, err := se.MarkNotificationRead(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})
}

func registerPatterns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-patterns",
		Method:      http.MethodGet,
		Path:        "/patterns",
		Summary:     "List behavioral patterns",
	}, func(ctx context.Context, input *struct {
		ContractID     string `query:"contract_id"`
		Type           string `query:"type" enum:"RepeatedLateSubmission,FrequentRevision,MissedCadence,RepeatedEscalation"`
		Unacknowledged bool   `query:"unacknowledged"`
	}) (*struct {
		Body []domain.Pattern `json:"body"`
	}, error) {
		se, writerID, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := se.ListPatterns(ctx, repo.PatternFilters{
			WriterID:       writerID,
			ContractID:     input.ContractID,
			Type:           domain.PatternType(input.Type),
			Unacknowledged: input.Unacknowledged,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Pattern `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pattern-summary",
		Method:      http.MethodGet,
		Path:        "/patterns/summary",
		Summary:     "Pattern counts per type",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.PatternCount `json:"body"`
	}, error) {
		se, writerID, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := se.PatternSummary(ctx, writerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PatternCount `json:"body"`
		}{Body: rows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-pattern",
		Method:      http.MethodPost,
		Path:        "/patterns/{pattern_id}/ack",
		Summary:     "Acknowledge a pattern",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PatternID string `path:"pattern_id"`
	}) (*struct {
		Body domain.Pattern `json:"body"`
	}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := se.AcknowledgePattern(ctx, input.PatternID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pattern `json:"body"`
		}{Body: p}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/keys",
		Summary:       "Issue an API key for the writer",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body APIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		se, writerID, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := se.CreateAPIKey(ctx, writerID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/auth/keys",
		Summary:     "List the writer's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		se, writerID, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := se.ListAPIKeys(ctx, writerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/auth/keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		se, _, authErr := scoped(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := se.RevokeAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		writerID := strings.TrimSpace(input.Body.WriterID)
		if writerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "writer_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, writerID, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{Token: token}}, nil
	})
}
