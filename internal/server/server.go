// Package server exposes the hireline engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"hireline/internal/config"
	"hireline/internal/domain"
	"hireline/internal/engine"
	"hireline/internal/repo"
)

const apiBasePath = "/v0"

type apiError struct {
	status  int
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) Error() string  { return e.Message }
func (e *apiError) GetStatus() int { return e.status }

func newAPIError(status int, code, message string, details map[string]any) *apiError {
	return &apiError{status: status, Code: code, Message: message, Details: details}
}

func init() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		code := "error"
		switch status {
		case http.StatusBadRequest:
			code = "bad_request"
		case http.StatusUnprocessableEntity:
			code = "validation_failed"
		case http.StatusNotFound:
			code = "not_found"
		case http.StatusUnauthorized:
			code = "unauthorized"
		case http.StatusForbidden:
			code = "forbidden"
		case http.StatusConflict:
			code = "conflict"
		}
		var details map[string]any
		if len(errs) > 0 {
			items := make([]string, 0, len(errs))
			for _, err := range errs {
				if err != nil {
					items = append(items, err.Error())
				}
			}
			if len(items) > 0 {
				details = map[string]any{"errors": items}
			}
		}
		return newAPIError(status, code, message, details)
	}
}

// Server wires the engine behind a chi router with a huma API surface.
type Server struct {
	engine *engine.Engine
	auth   AuthConfig
	router chi.Router
}

type Config struct {
	Auth AuthConfig
}

func New(eng *engine.Engine, cfg Config) *Server {
	s := &Server{engine: eng, auth: cfg.Auth}

	router := chi.NewRouter()
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(newAuthMiddleware(apiBasePath, cfg.Auth))

	humaCfg := huma.DefaultConfig("Hireline API", "0.1.0")
	humaCfg.Servers = []*huma.Server{{URL: apiBasePath}}
	humaCfg.DocsPath = ""
	api := humachi.New(router, humaCfg)
	group := huma.NewGroup(api, apiBasePath)

	registerDocs(router, apiBasePath)
	s.registerHealth(group)
	s.registerAuth(group)
	s.registerJobs(group)
	s.registerOffers(group)
	s.registerAgreements(group)
	s.registerMilestones(group)
	s.registerAccounts(group)
	s.registerStats(group)
	s.registerEvents(group)
	s.registerAdmin(group)
	registerOpenAPI(router, api, apiBasePath)

	s.router = router
	return s
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	for p, item := range oas.Paths {
		if p != healthPath && p != devLoginPath {
			continue
		}
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op != nil {
				op.Security = []map[string][]string{}
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	return `<!DOCTYPE html>
<html>
<head>
  <title>Hireline API</title>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>
  window.onload = () => {
    SwaggerUIBundle({
      url: "` + path.Join(basePath, "openapi.json") + `",
      dom_id: "#swagger-ui",
    });
  };
</script>
</body>
</html>`
}

func (s *Server) Handler() http.Handler { return s.router }

// handleError maps engine sentinels onto the API error envelope.
func handleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "resource not found", nil)
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrPaused):
		return newAPIError(http.StatusConflict, "paused", err.Error(), nil)
	case errors.Is(err, engine.ErrNotRegistered),
		errors.Is(err, engine.ErrLowUptime),
		errors.Is(err, engine.ErrNotInvited):
		return newAPIError(http.StatusForbidden, "not_eligible", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidBps),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidDeadline):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyApplied),
		errors.Is(err, engine.ErrCounterLimit),
		errors.Is(err, engine.ErrStaleOffer),
		errors.Is(err, engine.ErrAlreadyMatched),
		errors.Is(err, engine.ErrOfferNotAccepted),
		errors.Is(err, engine.ErrOfferConsumed),
		errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrMilestoneState),
		errors.Is(err, engine.ErrTimeoutNotReached),
		errors.Is(err, engine.ErrNothingToWithdraw):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientRunway):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_runway", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func (s *Server) registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
			Time   string `json:"time"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Service health",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.Time = time.Now().UTC().Format(time.RFC3339)
		return out, nil
	})
}

func (s *Server) registerAuth(api huma.API) {
	if !s.auth.DevLogin {
		return
	}
	type devLoginInput struct {
		Body struct {
			Account string `json:"account" minLength:"1" doc:"Account to authenticate as"`
		}
	}
	type devLoginOutput struct {
		Body struct {
			Token string `json:"token"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
	}, func(ctx context.Context, in *devLoginInput) (*devLoginOutput, error) {
		token, err := mintToken(in.Body.Account, s.auth.JWTSecret, s.auth.TokenExpiry)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal", "could not mint token", nil)
		}
		out := &devLoginOutput{}
		out.Body.Token = token
		return out, nil
	})
}

func (s *Server) registerJobs(api huma.API) {
	type jobOutput struct {
		Body domain.Job
	}

	type createJobInput struct {
		Body struct {
			MetadataURI         string   `json:"metadata_uri" minLength:"1" maxLength:"512"`
			Visibility          string   `json:"visibility" enum:"public,invite_only"`
			ApplicationDeadline int64    `json:"application_deadline" doc:"Unix seconds after which applications close"`
			MinWorkerScore      int64    `json:"min_worker_score,omitempty"`
			CompModeMask        int64    `json:"comp_mode_mask"`
			Invited             []string `json:"invited,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "create-job",
		Method:      http.MethodPost,
		Path:        "/jobs",
		Summary:     "Post a job",
	}, func(ctx context.Context, in *createJobInput) (*jobOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		job, err := s.engine.CreateJob(ctx, engine.JobCreateOptions{
			Employer:            actor,
			MetadataURI:         in.Body.MetadataURI,
			Visibility:          in.Body.Visibility,
			ApplicationDeadline: in.Body.ApplicationDeadline,
			MinWorkerScore:      in.Body.MinWorkerScore,
			CompModeMask:        in.Body.CompModeMask,
			Invited:             in.Body.Invited,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOutput{Body: job}, nil
	})

	type listJobsInput struct {
		Status   string `query:"status"`
		Employer string `query:"employer"`
		Limit    int64  `query:"limit"`
		Offset   int64  `query:"offset"`
	}
	type listJobsOutput struct {
		Body struct {
			Jobs []domain.Job `json:"jobs"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, in *listJobsInput) (*listJobsOutput, error) {
		jobs, err := s.engine.ListJobs(ctx, in.Status, in.Employer, in.Limit, in.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listJobsOutput{}
		out.Body.Jobs = jobs
		return out, nil
	})

	type getJobInput struct {
		JobID int64 `path:"job_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Fetch a job",
	}, func(ctx context.Context, in *getJobInput) (*jobOutput, error) {
		job, err := s.engine.GetJob(ctx, in.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOutput{Body: job}, nil
	})

	type applyInput struct {
		JobID int64 `path:"job_id"`
		Body  struct {
			ApplicationURI string `json:"application_uri" minLength:"1" maxLength:"512"`
		}
	}
	type applicationOutput struct {
		Body domain.Application
	}
	huma.Register(api, huma.Operation{
		OperationID: "apply-to-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/applications",
		Summary:     "Apply to a job",
	}, func(ctx context.Context, in *applyInput) (*applicationOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		app, err := s.engine.Apply(ctx, in.JobID, actor, in.Body.ApplicationURI)
		if err != nil {
			return nil, handleError(err)
		}
		return &applicationOutput{Body: app}, nil
	})

	type listApplicationsInput struct {
		JobID  int64 `path:"job_id"`
		Limit  int64 `query:"limit"`
		Offset int64 `query:"offset"`
	}
	type listApplicationsOutput struct {
		Body struct {
			Applications []domain.Application `json:"applications"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/applications",
		Summary:     "List applications for a job",
	}, func(ctx context.Context, in *listApplicationsInput) (*listApplicationsOutput, error) {
		apps, err := s.engine.ListApplications(ctx, in.JobID, in.Limit, in.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listApplicationsOutput{}
		out.Body.Applications = apps
		return out, nil
	})

	type cancelJobInput struct {
		JobID int64 `path:"job_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel an unmatched job",
	}, func(ctx context.Context, in *cancelJobInput) (*jobOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if err := s.engine.CancelJob(ctx, in.JobID, actor); err != nil {
			return nil, handleError(err)
		}
		job, err := s.engine.GetJob(ctx, in.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOutput{Body: job}, nil
	})

	type expireJobInput struct {
		JobID int64 `path:"job_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "expire-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/expire",
		Summary:     "Expire a job past its deadline",
	}, func(ctx context.Context, in *expireJobInput) (*jobOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if err := s.engine.ExpireJob(ctx, in.JobID, actor); err != nil {
			return nil, handleError(err)
		}
		job, err := s.engine.GetJob(ctx, in.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOutput{Body: job}, nil
	})

	type acceptedOfferInput struct {
		JobID int64 `path:"job_id"`
	}
	type acceptedOfferOutput struct {
		Body domain.AcceptedOfferSummary
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-accepted-offer",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/accepted-offer",
		Summary:     "Fetch the accepted offer for a matched job",
	}, func(ctx context.Context, in *acceptedOfferInput) (*acceptedOfferOutput, error) {
		summary, err := s.engine.GetAcceptedOffer(ctx, in.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &acceptedOfferOutput{Body: summary}, nil
	})

	type listInvitesInput struct {
		JobID int64 `path:"job_id"`
	}
	type listInvitesOutput struct {
		Body struct {
			Invited []string `json:"invited"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-job-invites",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/invites",
		Summary:     "List invited accounts for a job",
	}, func(ctx context.Context, in *listInvitesInput) (*listInvitesOutput, error) {
		invited, err := s.engine.ListInvites(ctx, in.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listInvitesOutput{}
		out.Body.Invited = invited
		return out, nil
	})
}

func (s *Server) registerOffers(api huma.API) {
	type offerOutput struct {
		Body domain.Offer
	}

	type offerTermsBody struct {
		AmountPerPeriod      int64                  `json:"amount_per_period"`
		PeriodSeconds        int64                  `json:"period_seconds"`
		TotalPeriods         int64                  `json:"total_periods"`
		ProfitShareBps       int64                  `json:"profit_share_bps,omitempty"`
		EmployerBondRequired int64                  `json:"employer_bond_required,omitempty"`
		WorkerBondRequired   int64                  `json:"worker_bond_required,omitempty"`
		Milestones           []domain.MilestoneSpec `json:"milestones,omitempty"`
		TermsURI             string                 `json:"terms_uri,omitempty" maxLength:"512"`
	}
	toTerms := func(b offerTermsBody) domain.OfferTerms {
		return domain.OfferTerms{
			Recurring: domain.RecurringTerms{
				AmountPerPeriod: b.AmountPerPeriod,
				PeriodSeconds:   b.PeriodSeconds,
				TotalPeriods:    b.TotalPeriods,
			},
			ProfitShareBps:       b.ProfitShareBps,
			EmployerBondRequired: b.EmployerBondRequired,
			WorkerBondRequired:   b.WorkerBondRequired,
			Milestones:           b.Milestones,
			TermsURI:             b.TermsURI,
		}
	}

	type proposeOfferInput struct {
		JobID         int64 `path:"job_id"`
		ApplicationID int64 `path:"application_id"`
		Body          offerTermsBody
	}
	huma.Register(api, huma.Operation{
		OperationID: "propose-offer",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/applications/{application_id}/offers",
		Summary:     "Propose an offer on an application",
	}, func(ctx context.Context, in *proposeOfferInput) (*offerOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		offer, err := s.engine.ProposeOffer(ctx, in.JobID, in.ApplicationID, actor, toTerms(in.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOutput{Body: offer}, nil
	})

	type counterOfferInput struct {
		JobID   int64 `path:"job_id"`
		OfferID int64 `path:"offer_id"`
		Body    offerTermsBody
	}
	huma.Register(api, huma.Operation{
		OperationID: "counter-offer",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/offers/{offer_id}/counter",
		Summary:     "Counter the latest offer",
	}, func(ctx context.Context, in *counterOfferInput) (*offerOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		offer, err := s.engine.CounterOffer(ctx, in.JobID, in.OfferID, actor, toTerms(in.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOutput{Body: offer}, nil
	})

	type offerActionInput struct {
		JobID   int64 `path:"job_id"`
		OfferID int64 `path:"offer_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "reject-offer",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/offers/{offer_id}/reject",
		Summary:     "Reject the latest offer",
	}, func(ctx context.Context, in *offerActionInput) (*offerOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if err := s.engine.RejectOffer(ctx, in.JobID, in.OfferID, actor); err != nil {
			return nil, handleError(err)
		}
		offer, err := s.engine.GetOffer(ctx, in.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOutput{Body: offer}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-offer",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/offers/{offer_id}/withdraw",
		Summary:     "Withdraw the latest offer",
	}, func(ctx context.Context, in *offerActionInput) (*offerOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if err := s.engine.WithdrawOffer(ctx, in.JobID, in.OfferID, actor); err != nil {
			return nil, handleError(err)
		}
		offer, err := s.engine.GetOffer(ctx, in.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOutput{Body: offer}, nil
	})

	type acceptOfferOutput struct {
		Body struct {
			Job   domain.Job   `json:"job"`
			Offer domain.Offer `json:"offer"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "accept-offer",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/offers/{offer_id}/accept",
		Summary:     "Accept the latest offer and match the job",
	}, func(ctx context.Context, in *offerActionInput) (*acceptOfferOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		job, err := s.engine.AcceptOffer(ctx, in.JobID, in.OfferID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		offer, err := s.engine.GetOffer(ctx, in.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &acceptOfferOutput{}
		out.Body.Job = job
		out.Body.Offer = offer
		return out, nil
	})

	type getOfferInput struct {
		OfferID int64 `path:"offer_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-offer",
		Method:      http.MethodGet,
		Path:        "/offers/{offer_id}",
		Summary:     "Fetch an offer",
	}, func(ctx context.Context, in *getOfferInput) (*offerOutput, error) {
		offer, err := s.engine.GetOffer(ctx, in.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOutput{Body: offer}, nil
	})

	type listOffersInput struct {
		JobID         int64 `path:"job_id"`
		ApplicationID int64 `query:"application_id"`
		Limit         int64 `query:"limit"`
		Offset        int64 `query:"offset"`
	}
	type listOffersOutput struct {
		Body struct {
			Offers []domain.Offer `json:"offers"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/offers",
		Summary:     "List offers for a job",
	}, func(ctx context.Context, in *listOffersInput) (*listOffersOutput, error) {
		offers, err := s.engine.ListOffers(ctx, in.JobID, in.ApplicationID, in.Limit, in.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listOffersOutput{}
		out.Body.Offers = offers
		return out, nil
	})
}

func (s *Server) registerAgreements(api huma.API) {
	type agreementOutput struct {
		Body domain.Agreement
	}

	type activateInput struct {
		Body struct {
			JobID    int64  `json:"job_id"`
			OfferID  int64  `json:"offer_id"`
			Referrer string `json:"referrer,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "activate-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements",
		Summary:     "Consume an accepted offer into an escrow agreement",
	}, func(ctx context.Context, in *activateInput) (*agreementOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		agreement, err := s.engine.ActivateAgreement(ctx, in.Body.JobID, in.Body.OfferID, actor, in.Body.Referrer)
		if err != nil {
			return nil, handleError(err)
		}
		return &agreementOutput{Body: agreement}, nil
	})

	type listAgreementsInput struct {
		Account string `query:"account"`
		Status  string `query:"status"`
		Limit   int64  `query:"limit"`
		Offset  int64  `query:"offset"`
	}
	type listAgreementsOutput struct {
		Body struct {
			Agreements []domain.Agreement `json:"agreements"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-agreements",
		Method:      http.MethodGet,
		Path:        "/agreements",
		Summary:     "List agreements",
	}, func(ctx context.Context, in *listAgreementsInput) (*listAgreementsOutput, error) {
		agreements, err := s.engine.ListAgreements(ctx, in.Account, in.Status, in.Limit, in.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listAgreementsOutput{}
		out.Body.Agreements = agreements
		return out, nil
	})

	type agreementIDInput struct {
		AgreementID int64 `path:"agreement_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}",
		Summary:     "Fetch an agreement",
	}, func(ctx context.Context, in *agreementIDInput) (*agreementOutput, error) {
		agreement, err := s.engine.GetAgreement(ctx, in.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &agreementOutput{Body: agreement}, nil
	})

	type financialsOutput struct {
		Body domain.AgreementFinancials
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-agreement-financials",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/financials",
		Summary:     "Fetch funding and payout balances for an agreement",
	}, func(ctx context.Context, in *agreementIDInput) (*financialsOutput, error) {
		fin, err := s.engine.GetAgreementFinancials(ctx, in.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &financialsOutput{Body: fin}, nil
	})

	type fundInput struct {
		AgreementID int64 `path:"agreement_id"`
		Body        struct {
			Amount int64 `json:"amount" minimum:"1"`
		}
	}
	type fundingOutput struct {
		Body domain.FundingState
	}
	huma.Register(api, huma.Operation{
		OperationID: "fund-runway",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/fund-runway",
		Summary:     "Fund employer bond shortfall and runway",
	}, func(ctx context.Context, in *fundInput) (*fundingOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		funding, err := s.engine.FundEmployerRunway(ctx, in.AgreementID, actor, in.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &fundingOutput{Body: funding}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-worker-bond",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/fund-worker-bond",
		Summary:     "Fund the worker bond",
	}, func(ctx context.Context, in *fundInput) (*fundingOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		funding, err := s.engine.FundWorkerBond(ctx, in.AgreementID, actor, in.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &fundingOutput{Body: funding}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "top-up-runway",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/top-up",
		Summary:     "Top up runway on an active agreement",
	}, func(ctx context.Context, in *fundInput) (*fundingOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		funding, err := s.engine.TopUpRunway(ctx, in.AgreementID, actor, in.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &fundingOutput{Body: funding}, nil
	})

	type claimOutput struct {
		Body engine.PayClaim
	}
	huma.Register(api, huma.Operation{
		OperationID: "claim-recurring-pay",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/claim-pay",
		Summary:     "Claim a due recurring pay period",
	}, func(ctx context.Context, in *agreementIDInput) (*claimOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		claim, err := s.engine.ClaimRecurringPay(ctx, in.AgreementID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &claimOutput{Body: claim}, nil
	})

	type revenueInput struct {
		AgreementID int64 `path:"agreement_id"`
		Body        struct {
			Amount int64 `json:"amount" minimum:"1"`
		}
	}
	type revenueOutput struct {
		Body engine.RevenueSplit
	}
	huma.Register(api, huma.Operation{
		OperationID: "deposit-revenue",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/revenue",
		Summary:     "Deposit revenue split between employer and worker",
	}, func(ctx context.Context, in *revenueInput) (*revenueOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		split, err := s.engine.DepositRevenue(ctx, in.AgreementID, actor, in.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &revenueOutput{Body: split}, nil
	})

	type terminateInput struct {
		AgreementID int64 `path:"agreement_id"`
		Body        struct {
			Side string `json:"side" enum:"employer,worker"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "request-terminate",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/terminate",
		Summary:     "Start the notice period for termination",
	}, func(ctx context.Context, in *terminateInput) (*agreementOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		agreement, err := s.engine.RequestTerminate(ctx, in.AgreementID, actor, in.Body.Side)
		if err != nil {
			return nil, handleError(err)
		}
		return &agreementOutput{Body: agreement}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-terminate",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/finalize",
		Summary:     "Finalize termination after the notice period",
	}, func(ctx context.Context, in *agreementIDInput) (*agreementOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		agreement, err := s.engine.FinalizeTerminate(ctx, in.AgreementID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &agreementOutput{Body: agreement}, nil
	})
}

func (s *Server) registerMilestones(api huma.API) {
	type milestoneOutput struct {
		Body domain.Milestone
	}

	type listMilestonesInput struct {
		AgreementID int64 `path:"agreement_id"`
	}
	type listMilestonesOutput struct {
		Body struct {
			Milestones []domain.Milestone `json:"milestones"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/milestones",
		Summary:     "List milestones for an agreement",
	}, func(ctx context.Context, in *listMilestonesInput) (*listMilestonesOutput, error) {
		milestones, err := s.engine.ListMilestones(ctx, in.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listMilestonesOutput{}
		out.Body.Milestones = milestones
		return out, nil
	})

	type milestoneIDInput struct {
		AgreementID int64 `path:"agreement_id"`
		MilestoneID int64 `path:"milestone_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-milestone",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/milestones/{milestone_id}",
		Summary:     "Fetch a milestone",
	}, func(ctx context.Context, in *milestoneIDInput) (*milestoneOutput, error) {
		milestone, err := s.engine.GetMilestone(ctx, in.AgreementID, in.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &milestoneOutput{Body: milestone}, nil
	})

	type submitMilestoneInput struct {
		AgreementID int64 `path:"agreement_id"`
		MilestoneID int64 `path:"milestone_id"`
		Body        struct {
			ProofURI string `json:"proof_uri" maxLength:"512"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "submit-milestone",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/milestones/{milestone_id}/submit",
		Summary:     "Submit milestone work for review",
	}, func(ctx context.Context, in *submitMilestoneInput) (*milestoneOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		milestone, err := s.engine.SubmitMilestone(ctx, in.AgreementID, in.MilestoneID, actor, in.Body.ProofURI)
		if err != nil {
			return nil, handleError(err)
		}
		return &milestoneOutput{Body: milestone}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/milestones/{milestone_id}/approve",
		Summary:     "Approve and pay a submitted milestone",
	}, func(ctx context.Context, in *milestoneIDInput) (*milestoneOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		milestone, err := s.engine.ApproveMilestone(ctx, in.AgreementID, in.MilestoneID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &milestoneOutput{Body: milestone}, nil
	})

	type rejectMilestoneInput struct {
		AgreementID int64 `path:"agreement_id"`
		MilestoneID int64 `path:"milestone_id"`
		Body        struct {
			ReasonURI string `json:"reason_uri,omitempty" maxLength:"512"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "reject-milestone",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/milestones/{milestone_id}/reject",
		Summary:     "Reject a submitted milestone",
	}, func(ctx context.Context, in *rejectMilestoneInput) (*milestoneOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		milestone, err := s.engine.RejectMilestone(ctx, in.AgreementID, in.MilestoneID, actor, in.Body.ReasonURI)
		if err != nil {
			return nil, handleError(err)
		}
		return &milestoneOutput{Body: milestone}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-approve-milestone",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/milestones/{milestone_id}/auto-approve",
		Summary:     "Settle a submitted milestone past its review deadline",
	}, func(ctx context.Context, in *milestoneIDInput) (*milestoneOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		milestone, err := s.engine.AutoApproveMilestone(ctx, in.AgreementID, in.MilestoneID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &milestoneOutput{Body: milestone}, nil
	})
}

func (s *Server) registerAccounts(api huma.API) {
	type accountInput struct {
		Account string `path:"account"`
	}

	type claimableOutput struct {
		Body struct {
			Account string `json:"account"`
			Balance int64  `json:"balance"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-claimable",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/claimable",
		Summary:     "Fetch the withdrawable balance for an account",
	}, func(ctx context.Context, in *accountInput) (*claimableOutput, error) {
		balance, err := s.engine.GetClaimable(ctx, in.Account)
		if err != nil {
			return nil, handleError(err)
		}
		out := &claimableOutput{}
		out.Body.Account = in.Account
		out.Body.Balance = balance
		return out, nil
	})

	type withdrawOutput struct {
		Body struct {
			Account string `json:"account"`
			Amount  int64  `json:"amount"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "withdraw-claimable",
		Method:      http.MethodPost,
		Path:        "/withdrawals",
		Summary:     "Withdraw the caller's claimable balance",
	}, func(ctx context.Context, _ *struct{}) (*withdrawOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		amount, err := s.engine.WithdrawClaimable(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := &withdrawOutput{}
		out.Body.Account = actor
		out.Body.Amount = amount
		return out, nil
	})

	type listWithdrawalsInput struct {
		Account string `path:"account"`
		Limit   int64  `query:"limit"`
		Offset  int64  `query:"offset"`
	}
	type listWithdrawalsOutput struct {
		Body struct {
			Withdrawals []domain.Event `json:"withdrawals"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/withdrawals",
		Summary:     "List past withdrawals for an account",
	}, func(ctx context.Context, in *listWithdrawalsInput) (*listWithdrawalsOutput, error) {
		withdrawals, err := s.engine.ListWithdrawals(ctx, in.Account, in.Limit, in.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listWithdrawalsOutput{}
		out.Body.Withdrawals = withdrawals
		return out, nil
	})

	type reputationOutput struct {
		Body domain.ReputationSnapshot
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/reputation",
		Summary:     "Fetch the reputation snapshot for an account",
	}, func(ctx context.Context, in *accountInput) (*reputationOutput, error) {
		snapshot, err := s.engine.GetReputation(ctx, in.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &reputationOutput{Body: snapshot}, nil
	})
}

func (s *Server) registerStats(api huma.API) {
	type boardStatsOutput struct {
		Body domain.BoardStats
	}
	huma.Register(api, huma.Operation{
		OperationID: "board-stats",
		Method:      http.MethodGet,
		Path:        "/stats/board",
		Summary:     "Job board counters",
	}, func(ctx context.Context, _ *struct{}) (*boardStatsOutput, error) {
		stats, err := s.engine.BoardStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &boardStatsOutput{Body: stats}, nil
	})

	type protocolStatsOutput struct {
		Body domain.ProtocolStats
	}
	huma.Register(api, huma.Operation{
		OperationID: "protocol-stats",
		Method:      http.MethodGet,
		Path:        "/stats/protocol",
		Summary:     "Escrow protocol counters",
	}, func(ctx context.Context, _ *struct{}) (*protocolStatsOutput, error) {
		stats, err := s.engine.ProtocolStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &protocolStatsOutput{Body: stats}, nil
	})
}

func (s *Server) registerEvents(api huma.API) {
	type listEventsInput struct {
		AfterID int64 `query:"after_id"`
		Limit   int64 `query:"limit"`
	}
	type listEventsOutput struct {
		Body struct {
			Events []domain.Event `json:"events"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List protocol events",
	}, func(ctx context.Context, in *listEventsInput) (*listEventsOutput, error) {
		events, err := s.engine.ListEvents(ctx, in.AfterID, in.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &listEventsOutput{}
		out.Body.Events = events
		return out, nil
	})
}

func (s *Server) registerAdmin(api huma.API) {
	type paramsOutput struct {
		Body config.Params
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-params",
		Method:      http.MethodGet,
		Path:        "/params",
		Summary:     "Current protocol parameters",
	}, func(ctx context.Context, _ *struct{}) (*paramsOutput, error) {
		return &paramsOutput{Body: s.engine.Params()}, nil
	})

	type pauseInput struct {
		Body struct {
			Paused bool `json:"paused"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-paused",
		Method:      http.MethodPost,
		Path:        "/admin/pause",
		Summary:     "Pause or resume state-changing operations",
	}, func(ctx context.Context, in *pauseInput) (*paramsOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		params, err := s.engine.SetPaused(ctx, actor, in.Body.Paused)
		if err != nil {
			return nil, handleError(err)
		}
		return &paramsOutput{Body: params}, nil
	})

	type accountBodyInput struct {
		Body struct {
			Account string `json:"account" minLength:"1"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-owner",
		Method:      http.MethodPut,
		Path:        "/admin/owner",
		Summary:     "Transfer protocol ownership",
	}, func(ctx context.Context, in *accountBodyInput) (*paramsOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		params, err := s.engine.SetOwner(ctx, actor, in.Body.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &paramsOutput{Body: params}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-treasury",
		Method:      http.MethodPut,
		Path:        "/admin/treasury",
		Summary:     "Set the protocol fee treasury account",
	}, func(ctx context.Context, in *accountBodyInput) (*paramsOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		params, err := s.engine.SetTreasury(ctx, actor, in.Body.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return &paramsOutput{Body: params}, nil
	})

	type feesInput struct {
		Body struct {
			ProtocolFeeBps   *int64 `json:"protocol_fee_bps,omitempty"`
			ReferralShareBps *int64 `json:"referral_share_bps,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-fees",
		Method:      http.MethodPut,
		Path:        "/admin/fees",
		Summary:     "Set protocol fee and referral share",
	}, func(ctx context.Context, in *feesInput) (*paramsOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		params := s.engine.Params()
		var err error
		if in.Body.ProtocolFeeBps != nil {
			if params, err = s.engine.SetProtocolFeeBps(ctx, actor, *in.Body.ProtocolFeeBps); err != nil {
				return nil, handleError(err)
			}
		}
		if in.Body.ReferralShareBps != nil {
			if params, err = s.engine.SetReferralShareBps(ctx, actor, *in.Body.ReferralShareBps); err != nil {
				return nil, handleError(err)
			}
		}
		return &paramsOutput{Body: params}, nil
	})

	type boardLimitsInput struct {
		Body struct {
			MinUptimeScore                 *int64 `json:"min_uptime_score,omitempty"`
			MaxCounteroffersPerApplication *int64 `json:"max_counteroffers_per_application,omitempty"`
			MaxInvitesPerJob               *int64 `json:"max_invites_per_job,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-board-limits",
		Method:      http.MethodPut,
		Path:        "/admin/board-limits",
		Summary:     "Set job board eligibility and negotiation limits",
	}, func(ctx context.Context, in *boardLimitsInput) (*paramsOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		params := s.engine.Params()
		var err error
		if in.Body.MinUptimeScore != nil {
			if params, err = s.engine.SetMinUptimeScore(ctx, actor, *in.Body.MinUptimeScore); err != nil {
				return nil, handleError(err)
			}
		}
		if in.Body.MaxCounteroffersPerApplication != nil {
			if params, err = s.engine.SetMaxCounteroffersPerApplication(ctx, actor, *in.Body.MaxCounteroffersPerApplication); err != nil {
				return nil, handleError(err)
			}
		}
		if in.Body.MaxInvitesPerJob != nil {
			if params, err = s.engine.SetMaxInvitesPerJob(ctx, actor, *in.Body.MaxInvitesPerJob); err != nil {
				return nil, handleError(err)
			}
		}
		return &paramsOutput{Body: params}, nil
	})

	type riskParamsInput struct {
		Body engine.RiskParams
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-risk-params",
		Method:      http.MethodPut,
		Path:        "/admin/risk-params",
		Summary:     "Set bond, runway, notice and penalty parameters",
	}, func(ctx context.Context, in *riskParamsInput) (*paramsOutput, error) {
		actor, aerr := accountFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		params, err := s.engine.SetRiskParams(ctx, actor, in.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &paramsOutput{Body: params}, nil
	})
}
