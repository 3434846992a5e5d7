// Package server exposes the medtrack HTTP API.
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

	"medtrack/internal/adherence"
	"medtrack/internal/domain"
	"medtrack/internal/engine"
	"medtrack/internal/notify"
	"medtrack/internal/reminder"
	"medtrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Scheduler      *reminder.Scheduler
	Registry       *notify.Registry
	Dispatcher     *notify.Dispatcher
	VAPIDPublicKey string
	BasePath       string
	Auth           AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"medication not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the medtrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
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
	hcfg := huma.DefaultConfig("MedTrack API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTrack(group, cfg.Engine, cfg.Scheduler)
	registerStatus(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerActions(group, cfg.Engine, cfg.Scheduler)
	registerSubscriptions(group, cfg)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "medication not found", nil)
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
	// Registered after every route, so the document is complete here;
	// marshalling once keeps the handler free of shared mutable state.
	spec, _ := json.Marshal(api.OpenAPI())
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>MedTrack API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or ?token=.
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

// markTaken tells the scheduler a dose landed so an active reminder cycle
// stops now instead of on the next tick. Nil scheduler is fine (CLI mode).
func markTaken(s *reminder.Scheduler, medicationID string) {
	if s != nil {
		s.MarkTaken(medicationID)
	}
}

func registerTrack(api huma.API, e engine.Engine, sched *reminder.Scheduler) {
	track := func(ctx context.Context, opts engine.IntakeOptions) (*struct {
		Body TrackResponse `json:"body"`
	}, error) {
		res, err := e.LogIntake(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		markTaken(sched, opts.MedicationID)
		return &struct {
			Body TrackResponse `json:"body"`
		}{Body: TrackResponse{Event: res.Event, Duplicate: res.Duplicate, Status: res.Status}}, nil
	}

	// GET /track is the NFC tag entry point: a tag URL can only carry query
	// parameters, so the dose rides in `med` with source fixed to nfc.
	huma.Register(api, huma.Operation{
		OperationID: "track-nfc",
		Method:      http.MethodGet,
		Path:        "/track",
		Summary:     "Log a dose from an NFC tag URL",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Med string `query:"med" example:"daily_pill"`
	}) (*struct {
		Body TrackResponse `json:"body"`
	}, error) {
		return track(ctx, engine.IntakeOptions{
			MedicationID: input.Med,
			Source:       domain.SourceNFC,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "track",
		Method:        http.MethodPost,
		Path:          "/track",
		Summary:       "Log a dose",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body TrackRequest `json:"body"`
	}) (*struct {
		Body TrackResponse `json:"body"`
	}, error) {
		opts := engine.IntakeOptions{
			MedicationID:  input.Body.MedicationID,
			Source:        input.Body.Source,
			Note:          input.Body.Note,
			ClientEventID: input.Body.ClientEventID,
		}
		if input.Body.TS != "" {
			at, err := time.Parse(time.RFC3339, input.Body.TS)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "ts must be RFC3339", map[string]any{"field": "ts"})
			}
			opts.At = at
		}
		return track(ctx, opts)
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Medication status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MedicationID string `query:"medication_id" default:"daily_pill"`
	}) (*struct {
		Body engine.Status `json:"body"`
	}, error) {
		st, err := e.MedicationStatus(ctx, input.MedicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Status `json:"body"`
		}{Body: st}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Adherence history",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MedicationID string `query:"medication_id" default:"daily_pill"`
		Days         int    `query:"days" default:"30" minimum:"1" maximum:"365"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		history, err := e.History(ctx, input.MedicationID, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{
			MedicationID: input.MedicationID,
			Days:         input.Days,
			History:      history,
			Streak:       adherence.ComputeStreak(history),
		}}, nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Get medication settings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MedicationID string `query:"medication_id" default:"daily_pill"`
	}) (*struct {
		Body domain.MedicationSettings `json:"body"`
	}, error) {
		s, err := e.Repo.GetSettings(ctx, input.MedicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MedicationSettings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Update medication settings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpdateSettingsRequest `json:"body"`
	}) (*struct {
		Body domain.MedicationSettings `json:"body"`
	}, error) {
		s, err := e.UpdateSettings(ctx, engine.SettingsUpdate{
			MedicationID:      input.Body.MedicationID,
			Name:              input.Body.Name,
			Dosage:            input.Body.Dosage,
			ScheduleTime:      input.Body.ScheduleTime,
			ReminderEnabled:   input.Body.ReminderEnabled,
			LowStockThreshold: input.Body.LowStockThreshold,
			CurrentStock:      input.Body.CurrentStock,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MedicationSettings `json:"body"`
		}{Body: s}, nil
	})
}

func registerActions(api huma.API, e engine.Engine, sched *reminder.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "notification-action",
		Method:      http.MethodPost,
		Path:        "/actions",
		Summary:     "Handle a notification action",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if input.Body.MedicationID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "medication_id is required", map[string]any{"field": "medication_id"})
		}
		resp := ActionResponse{MedicationID: input.Body.MedicationID, Action: input.Body.Action}
		switch input.Body.Action {
		case "taken":
			opts := engine.IntakeOptions{
				MedicationID:  input.Body.MedicationID,
				Source:        domain.SourceNotificationAction,
				ClientEventID: input.Body.ClientEventID,
			}
			if input.Body.TS != "" {
				at, err := time.Parse(time.RFC3339, input.Body.TS)
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "ts must be RFC3339", map[string]any{"field": "ts"})
				}
				opts.At = at
			}
			res, err := e.LogIntake(ctx, opts)
			if err != nil {
				return nil, handleError(err)
			}
			markTaken(sched, input.Body.MedicationID)
			resp.Event = &res.Event
			resp.Duplicate = res.Duplicate
		case "snooze":
			if sched != nil {
				until := sched.Snooze(input.Body.MedicationID)
				resp.SnoozeUntil = until.UTC().Format(time.RFC3339)
			}
		case "dismiss":
			if sched != nil {
				sched.Dismiss(input.Body.MedicationID)
			}
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action must be taken, snooze, or dismiss", map[string]any{"field": "action"})
		}
		if sched != nil {
			resp.Phase = string(sched.Phase(input.Body.MedicationID))
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSubscriptions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "subscribe",
		Method:        http.MethodPost,
		Path:          "/subscribe",
		Summary:       "Register a push subscription",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubscribeRequest `json:"body"`
	}) (*struct {
		Body domain.Subscription `json:"body"`
	}, error) {
		if input.Body.Endpoint == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "endpoint is required", map[string]any{"field": "endpoint"})
		}
		sub, err := cfg.Registry.Subscribe(ctx, input.Body.Endpoint, input.Body.Keys.P256dh, input.Body.Keys.Auth)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body domain.Subscription `json:"body"`
		}{Body: sub}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vapid-public-key",
		Method:      http.MethodGet,
		Path:        "/vapid-public-key",
		Summary:     "VAPID public key for client subscription",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"public_key": cfg.VAPIDPublicKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-notification",
		Method:      http.MethodPost,
		Path:        "/test-notification",
		Summary:     "Send a test push to all subscriptions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if cfg.Dispatcher == nil || !cfg.Dispatcher.Configured() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "vapid keys not configured", nil)
		}
		subs, err := cfg.Registry.ListActive(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		payload := notify.TestPayload()
		sent, failed := 0, 0
		for _, sub := range subs {
			res := cfg.Dispatcher.Send(ctx, sub, payload)
			switch res.Outcome {
			case domain.DeliverySuccess:
				sent++
			case domain.DeliveryPermanentFailure:
				failed++
				_ = cfg.Registry.Invalidate(ctx, sub.ID)
			default:
				failed++
			}
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"sent": sent, "failed": failed}}, nil
	})
}
