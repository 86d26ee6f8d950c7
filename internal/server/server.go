package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"event \"accept\" is not valid in state \"working\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Escrowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerInvitations(group, cfg.Engine)

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

// handleError maps the engine's error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var re *engine.RoleError
	if errors.As(err, &re) {
		return newAPIError(http.StatusForbidden, "forbidden_role", err.Error(), map[string]any{"required_role": re.Required})
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"state": te.State, "kind": te.Kind})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"constraint": ve.Constraint})
	}
	var ape *engine.ActiveProjectError
	if errors.As(err, &ape) {
		return newAPIError(http.StatusConflict, "active_project", err.Error(), map[string]any{"counterparty": ape.Counterparty})
	}
	var ce *engine.CollaboratorError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "collaborator_unavailable", err.Error(), map[string]any{"op": ce.Op})
	}
	var ie *engine.IntegrityError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusConflict, "integrity_failure", err.Error(), map[string]any{"project_id": ie.ProjectID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerSessions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-event",
		Method:      http.MethodPost,
		Path:        "/sessions/events",
		Summary:     "Apply a workflow event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body EventRequest `json:"body"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		out, err := e.Apply(ctx, principal.PartyID, principal.Handle, engine.Event{
			Kind: input.Body.Kind,
			Text: input.Body.Text,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/me",
		Summary:     "Current session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Session(ctx, principal.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-summary",
		Method:      http.MethodGet,
		Path:        "/sessions/me/summary",
		Summary:     "Narrative status of the current project",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		text, err := e.Summary(ctx, principal.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"summary": text}}, nil
	})
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List my projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Projects(ctx, principal.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Project(ctx, input.ProjectID, principal.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerTimeline(api huma.API, e *engine.Engine) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/timeline",
		Summary:     "Project event ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.Timeline(ctx, input.ProjectID, principal.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: mapEntries(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-timeline",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/timeline/verify",
		Summary:     "Verify the ledger hash chain",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.VerifyTimeline(ctx, input.ProjectID, principal.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"verified": ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "timeline-proof",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/timeline/proof",
		Summary:     "Human-readable chain-of-custody document",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		principal, authErr := partyFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.Proof(ctx, input.ProjectID, principal.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"proof": doc}}, nil
	})
}

func registerInvitations(api huma.API, e *engine.Engine) {
	type tokenPath struct {
		Token string `path:"token"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-invitation",
		Method:      http.MethodGet,
		Path:        "/invitations/{token}",
		Summary:     "Preview an invitation",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body InvitationResponse `json:"body"`
	}, error) {
		if _, authErr := partyFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		inv, p, err := e.Invitation(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvitationResponse `json:"body"`
		}{Body: invitationResponse(inv, p)}, nil
	})

	redeem := func(accept bool) func(ctx context.Context, input *tokenPath) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *tokenPath) (*struct {
			Body OutcomeResponse `json:"body"`
		}, error) {
			principal, authErr := partyFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			out, err := e.RedeemInvitation(ctx, input.Token, principal.PartyID, principal.Handle, accept)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body OutcomeResponse `json:"body"`
			}{Body: outcomeResponse(out)}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "accept-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{token}/accept",
		Summary:     "Accept an invitation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, redeem(true))

	huma.Register(api, huma.Operation{
		OperationID: "decline-invitation",
		Method:      http.MethodPost,
		Path:        "/invitations/{token}/decline",
		Summary:     "Decline an invitation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, redeem(false))
}
