package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"duedigest/internal/domain"
	"duedigest/internal/firing"
	"duedigest/internal/storage"
	logx "duedigest/pkg/logx"
)

type handlers struct {
	deps     Deps
	validate *validator.Validate
	log      logx.Logger
}

type recurrenceRequest struct {
	Hour     *int   `json:"hour" validate:"required,min=0,max=23"`
	Minute   *int   `json:"minute" validate:"required,min=0,max=59"`
	Weekdays []int  `json:"weekdays" validate:"omitempty,dive,min=0,max=6"`
	Timezone string `json:"timezone" validate:"omitempty,timezone"`
}

func (r recurrenceRequest) toDomain() domain.Recurrence {
	days := make([]time.Weekday, 0, len(r.Weekdays))
	for _, d := range r.Weekdays {
		days = append(days, time.Weekday(d))
	}
	return domain.Recurrence{Hour: *r.Hour, Minute: *r.Minute, Weekdays: days, Timezone: r.Timezone}
}

type ownerRequest struct {
	Name          string            `json:"name" validate:"required,max=120"`
	Address       string            `json:"address" validate:"required,e164"`
	Recurrence    recurrenceRequest `json:"recurrence"`
	NotifySubject bool              `json:"notify_subject"`
}

type subjectRequest struct {
	Name          string `json:"name" validate:"required,max=120"`
	Domain        string `json:"domain" validate:"required,hostname_rfc1123|url"`
	CredentialRef string `json:"credential_ref" validate:"required,max=120"`
	Address       string `json:"address" validate:"omitempty,e164"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("storage: %w", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) createOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.deps.Store.CreateOwner(r.Context(), domain.Owner{
		Name:          req.Name,
		Address:       req.Address,
		Recurrence:    req.Recurrence.toDomain(),
		NotifySubject: req.NotifySubject,
	})
	if err != nil {
		h.fail(w, "create owner", err)
		return
	}
	respondJSON(w, http.StatusCreated, o)
}

// updateOwner rewrites the owner and reinstalls every trigger it holds, so a
// changed recurrence applies from the next firing.
func (h *handlers) updateOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, paramOwner)
	o, err := h.deps.Store.GetOwner(ctx, id)
	if err != nil {
		h.fail(w, "get owner", err)
		return
	}
	o.Name, o.Address, o.NotifySubject = req.Name, req.Address, req.NotifySubject
	o.Recurrence = req.Recurrence.toDomain()
	if err := h.deps.Store.UpdateOwner(ctx, o); err != nil {
		h.fail(w, "update owner", err)
		return
	}
	if err := h.deps.Registry.ReinstallOwner(ctx, id); err != nil {
		h.fail(w, "reinstall triggers", err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *handlers) createSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.deps.Store.CreateSubject(r.Context(), domain.Subject{
		Name:          req.Name,
		Domain:        req.Domain,
		CredentialRef: req.CredentialRef,
		Address:       req.Address,
	})
	if err != nil {
		h.fail(w, "create subject", err)
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

// refreshCredential clears the invalid-credential mark after the operator
// rotates the token behind the subject's credential ref.
func (h *handlers) refreshCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, paramSubject)
	if err := h.deps.Store.SetCredentialInvalid(r.Context(), id, false); err != nil {
		h.fail(w, "refresh credential", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) link(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, subjectID := chi.URLParam(r, paramOwner), chi.URLParam(r, paramSubject)
	owner, err := h.deps.Store.GetOwner(ctx, ownerID)
	if err != nil {
		h.fail(w, "get owner", err)
		return
	}
	if _, err := h.deps.Store.GetSubject(ctx, subjectID); err != nil {
		h.fail(w, "get subject", err)
		return
	}
	if err := h.deps.Registry.Link(ctx, ownerID, subjectID, owner.Recurrence); err != nil {
		h.fail(w, "link subject", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"key": domain.TriggerKey(ownerID, subjectID)})
}

func (h *handlers) unlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, subjectID := chi.URLParam(r, paramOwner), chi.URLParam(r, paramSubject)
	if err := h.deps.Registry.Unlink(ctx, ownerID, subjectID); err != nil {
		h.fail(w, "unlink subject", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) fire(w http.ResponseWriter, r *http.Request) {
	f, err := h.deps.Firer.Fire(r.Context(), chi.URLParam(r, paramOwner), chi.URLParam(r, paramSubject))
	if err != nil {
		h.fail(w, "fire", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"firing_id": f.ID, "scheduled_for": f.ScheduledFor})
}

func (h *handlers) occurrences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.OccurrenceFilter{OwnerID: chi.URLParam(r, paramOwner), SubjectID: q.Get("subject")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be 1..500"))
			return
		}
		filter.Limit = n
	}
	list, err := h.deps.Store.ListOccurrences(r.Context(), filter)
	if err != nil {
		h.fail(w, "list occurrences", err)
		return
	}
	if list == nil {
		list = []domain.Occurrence{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *handlers) queue(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Queue.Counts(r.Context())
	if err != nil {
		h.fail(w, "queue counts", err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

// smsCallback receives provider status reports. Unknown message ids are
// acknowledged so the provider does not keep retrying them.
func (h *handlers) smsCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid form body"))
		return
	}
	sid := strings.TrimSpace(r.PostForm.Get("MessageSid"))
	status := strings.TrimSpace(r.PostForm.Get("MessageStatus"))
	if sid == "" || status == "" {
		respondError(w, http.StatusBadRequest, errors.New("MessageSid and MessageStatus are required"))
		return
	}
	detail := ""
	if code := r.PostForm.Get("ErrorCode"); code != "" {
		detail = "provider error " + code
		if msg := r.PostForm.Get("ErrorMessage"); msg != "" {
			detail += ": " + msg
		}
	}
	occ, err := h.deps.Store.ApplyProviderStatus(r.Context(), sid, status, detail)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.log.Warn("status callback for unknown message", logx.String("sid", sid), logx.String("status", status))
	case err != nil:
		h.fail(w, "apply provider status", err)
		return
	default:
		h.log.Debug("status callback applied", logx.String("sid", sid), logx.String("status", string(occ.Status)))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return false
	}
	return true
}

// fail maps domain errors onto status codes; anything unexpected is logged
// and reported as 500 without detail.
func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, firing.ErrInactive):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrInvalidRecurrence):
		respondError(w, http.StatusBadRequest, err)
	default:
		h.log.Error(op+" failed", logx.Err(err))
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, errorResponse{Error: err.Error()})
}
