package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	appCtx "github.com/hostwell/event-platform/services/request-service/internal/pkg/context"
	"github.com/hostwell/event-platform/services/request-service/internal/service"
	"github.com/hostwell/event-platform/services/request-service/internal/transport/rest/response"
)

type Handler struct {
	svc *service.RequestService
}

func NewHandler(svc *service.RequestService) *Handler {
	return &Handler{svc: svc}
}

func traceID(r *http.Request) string {
	rid := appCtx.GetRequestID(r.Context())
	if rid == "" {
		rid = "no-request-id"
	}
	return rid
}

// idempotencyKey is REQUIRED for guest-initiated write operations.
func idempotencyKey(r *http.Request) string {
	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		key = r.Header.Get("Idempotency-Key") // legacy fallback
	}
	return key
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid "+param, map[string]string{
			param: "must be a valid uuid",
		})
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}

	avail, err := h.svc.GetEventAvailability(r.Context(), eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, avail)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}

	var req struct {
		PartySize      int     `json:"party_size"`
		Note           *string `json:"note"`
		HoldTTLMinutes int     `json:"hold_ttl_minutes"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	key := idempotencyKey(r)
	if key == "" {
		fail(w, r, http.StatusBadRequest, "idempotency_key.required", "X-Idempotency-Key header is required for this operation", nil)
		return
	}

	rec, err := h.svc.CreateJoinRequest(r.Context(), traceID(r), key, eventID, auth.UserID, service.CreateInput{
		PartySize:      req.PartySize,
		Note:           req.Note,
		HoldTTLMinutes: req.HoldTTLMinutes,
	})
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, rec)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	status, ok := parseStatus(r.URL.Query().Get("status"))
	if !ok {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid status filter", nil)
		return
	}

	page, err := h.svc.ListJoinRequests(r.Context(), eventID, auth.UserID, auth.Role, domain.ListQuery{
		Limit:  parseLimit(r.URL.Query().Get("limit")),
		Offset: parseOffset(r.URL.Query().Get("offset")),
		Status: status,
	})
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"items":       page.Items,
		"total_count": page.TotalCount,
		"next_offset": page.NextOffset,
	})
}

func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	rec, err := h.svc.GetMyRequest(r.Context(), eventID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, rec)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.svc.ApproveRequest)
}

func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.svc.DeclineRequest)
}

func (h *Handler) Waitlist(w http.ResponseWriter, r *http.Request) {
	h.hostTransition(w, r, h.svc.WaitlistRequest)
}

type transitionFn func(ctx context.Context, traceID string, requestID, actorID uuid.UUID, role string) (domain.JoinRequest, error)

func (h *Handler) hostTransition(w http.ResponseWriter, r *http.Request, fn transitionFn) {
	requestID, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	rec, err := fn(r.Context(), traceID(r), requestID, auth.UserID, auth.Role)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, rec)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	key := idempotencyKey(r)
	if key == "" {
		fail(w, r, http.StatusBadRequest, "idempotency_key.required", "X-Idempotency-Key header is required for this operation", nil)
		return
	}

	rec, err := h.svc.CancelRequest(r.Context(), traceID(r), key, requestID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, rec)
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		ExtensionMinutes int `json:"extension_minutes"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	rec, err := h.svc.ExtendRequestHold(r.Context(), requestID, auth.UserID, auth.Role, req.ExtensionMinutes)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, rec)
}

func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		WaitlistPos int `json:"waitlist_pos"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	rec, err := h.svc.ReorderWaitlist(r.Context(), requestID, auth.UserID, auth.Role, req.WaitlistPos)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, rec)
}

func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	moved, err := h.svc.PromoteWaitlistAsHost(r.Context(), traceID(r), eventID, auth.UserID, auth.Role)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]int{"moved": moved})
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *service.ValidationError
	if errors.As(err, &vErr) {
		fail(w, r, http.StatusBadRequest, "request.invalid", vErr.Error(), map[string]string{
			vErr.Field: vErr.Msg,
		})
		return
	}

	var capErr *domain.CapacityError
	if errors.As(err, &capErr) {
		fail(w, r, http.StatusConflict, "event.insufficient_capacity", capErr.Error(), map[string]string{
			"requested": strconv.Itoa(capErr.Requested),
			"available": strconv.Itoa(capErr.Available),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientCapacity):
		fail(w, r, http.StatusConflict, "event.insufficient_capacity", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateActiveRequest):
		fail(w, r, http.StatusConflict, "request.duplicate_active", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		fail(w, r, http.StatusConflict, "request.invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrNotPending):
		fail(w, r, http.StatusConflict, "request.not_pending", err.Error(), nil)
	case errors.Is(err, domain.ErrHoldExpired):
		fail(w, r, http.StatusConflict, "request.hold_expired", err.Error(), nil)
	case errors.Is(err, domain.ErrIdempotencyKeyMismatch):
		fail(w, r, http.StatusConflict, "idempotency_key_mismatch", err.Error(), nil)

	case errors.Is(err, domain.ErrEventClosed):
		fail(w, r, http.StatusGone, "event.closed", err.Error(), nil)

	case errors.Is(err, domain.ErrEventNotFound):
		fail(w, r, http.StatusNotFound, "event.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrRequestNotFound):
		fail(w, r, http.StatusNotFound, "request.not_found", err.Error(), nil)

	case errors.Is(err, domain.ErrForbidden):
		fail(w, r, http.StatusForbidden, "auth.forbidden", err.Error(), nil)

	default:
		// do not leak internals
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}
