package router

import (
	"net/http"

	"github.com/renderdeck/backend/internal/auth"
	"github.com/renderdeck/backend/internal/dashboard"
	"github.com/renderdeck/backend/internal/handlers"
	"github.com/renderdeck/backend/internal/middleware"
	"github.com/renderdeck/backend/internal/webhook"
)

// Deps collects everything the router mounts.
type Deps struct {
	Auth      *auth.Handler
	AuthSvc   auth.Service
	Jobs      *handlers.JobHandler
	Credits   *handlers.CreditHandler
	Dashboard *dashboard.Handler
	Webhook   *webhook.Handler
	Models    http.HandlerFunc
}

// New returns an http.Handler serving the API under /api/v1 plus the
// unauthenticated provider callback at /jobs/webhook.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	// Public.
	mux.HandleFunc(base+"/auth/register", methodPOST(d.Auth.Register))
	mux.HandleFunc(base+"/auth/login", methodPOST(d.Auth.Login))
	mux.HandleFunc(base+"/models", methodGET(d.Models))
	// Authenticated by HMAC signature, not by user token.
	mux.HandleFunc("/jobs/webhook", methodPOST(d.Webhook.HandleCallback))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Authenticated.
	authed := middleware.Auth(d.AuthSvc)
	mux.Handle(base+"/jobs", authed(jobsHandlerFunc(d.Jobs)))
	mux.Handle(base+"/jobs/", authed(methodGET(d.Jobs.GetJob)))
	mux.Handle(base+"/credits/balance", authed(methodGET(d.Credits.GetBalance)))
	mux.Handle(base+"/credits/ledger", authed(methodGET(d.Credits.ListLedger)))
	mux.Handle(base+"/account/me", authed(methodGET(d.Dashboard.GetMe)))
	mux.Handle(base+"/account/settings", authed(methodPATCH(d.Dashboard.UpdateSettings)))

	// Admin.
	mux.Handle(base+"/admin/credits/grant",
		authed(middleware.RequireAdmin(methodPOST(d.Credits.AdminGrant))))
	mux.Handle(base+"/admin/credits/verify",
		authed(middleware.RequireAdmin(methodGET(d.Dashboard.VerifyCredits))))

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPATCH(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func jobsHandlerFunc(h *handlers.JobHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.CreateJob(w, r)
		case http.MethodGet:
			h.ListJobs(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
