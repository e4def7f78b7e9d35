// Package httpapi is the operator control surface: owner and subject
// registration, pair linking, manual firing, history, queue depth, the SMS
// status callback, health, metrics and pprof.
package httpapi

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"duedigest/internal/domain"
	"duedigest/internal/storage"
	logx "duedigest/pkg/logx"
)

type Store interface {
	CreateOwner(ctx context.Context, o domain.Owner) (domain.Owner, error)
	UpdateOwner(ctx context.Context, o domain.Owner) error
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
	CreateSubject(ctx context.Context, s domain.Subject) (domain.Subject, error)
	GetSubject(ctx context.Context, id string) (domain.Subject, error)
	SetCredentialInvalid(ctx context.Context, id string, invalid bool) error
	ListOccurrences(ctx context.Context, f storage.OccurrenceFilter) ([]domain.Occurrence, error)
	ApplyProviderStatus(ctx context.Context, providerID, providerStatus, detail string) (domain.Occurrence, error)
	Ping(ctx context.Context) error
}

type Registry interface {
	Link(ctx context.Context, ownerID, subjectID string, rec domain.Recurrence) error
	Unlink(ctx context.Context, ownerID, subjectID string) error
	ReinstallOwner(ctx context.Context, ownerID string) error
}

type Firer interface {
	Fire(ctx context.Context, ownerID, subjectID string) (domain.Firing, error)
}

type QueueStats interface {
	Counts(ctx context.Context) (map[storage.JobStatus]int, error)
}

// Deps are the collaborators the handlers call. Metrics and Instrument may
// be nil.
type Deps struct {
	Store      Store
	Registry   Registry
	Firer      Firer
	Queue      QueueStats
	Metrics    http.Handler
	Instrument func(http.Handler) http.Handler
}

const (
	paramOwner   = "owner"
	paramSubject = "subject"
)

// NewRouter builds the full handler tree for cfg.
func NewRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	h := &handlers{deps: deps, validate: validator.New(validator.WithRequiredStructEnabled()), log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if deps.Instrument != nil {
		r.Use(deps.Instrument)
	}

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Use(middleware.Timeout(30 * time.Second))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}

		r.Route("/api", func(r chi.Router) {
			r.Post("/owners", h.createOwner)
			r.Put("/owners/{owner}", h.updateOwner)
			r.Post("/subjects", h.createSubject)
			r.Post("/subjects/{subject}/credential", h.refreshCredential)
			r.Post("/owners/{owner}/subjects/{subject}", h.link)
			r.Delete("/owners/{owner}/subjects/{subject}", h.unlink)
			r.Post("/owners/{owner}/subjects/{subject}/fire", h.fire)
			r.Get("/owners/{owner}/occurrences", h.occurrences)
			r.Get("/queue", h.queue)
		})

		if cfg.Pprof {
			r.Route("/debug/pprof", func(r chi.Router) {
				r.HandleFunc("/", hpprof.Index)
				r.HandleFunc("/cmdline", hpprof.Cmdline)
				r.HandleFunc("/profile", hpprof.Profile)
				r.HandleFunc("/symbol", hpprof.Symbol)
				r.HandleFunc("/trace", hpprof.Trace)
				r.HandleFunc("/{name}", hpprof.Index)
			})
		}
	})

	r.With(queryToken(cfg.CallbackToken)).Post("/callbacks/sms", h.smsCallback)
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func queryToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("token") != tok {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
