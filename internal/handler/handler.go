// Package handler содержит HTTP-обработчики API биллинг-сервиса Settee.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/settee-billing/internal/appstore"
	"github.com/mmeshcher/settee-billing/internal/middleware"
	"github.com/mmeshcher/settee-billing/internal/model"
	"github.com/mmeshcher/settee-billing/internal/repository"
	"github.com/mmeshcher/settee-billing/internal/service"
	"github.com/mmeshcher/settee-billing/internal/ticket"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, handle, password string) (int64, error)
	AuthenticateUser(ctx context.Context, handle, password string) (int64, error)
	GetEntitlements(ctx context.Context, userID int64) (*model.Entitlements, error)
	ConsumeLike(ctx context.Context, userID int64, kind model.LikeKind) (*model.Entitlements, error)
	ExchangeTicket(ctx context.Context, userID int64, code model.TicketCode) (*model.Ticket, error)
	UseTicket(ctx context.Context, userID, ticketID int64) (*ticket.EffectSummary, error)
	GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
	VerifyPurchase(ctx context.Context, userID int64, raw string) (*model.Entitlements, error)
	HandlePlatformNotification(ctx context.Context, signedPayload string) ([]string, error)
}

// Handler реализует HTTP-обработчики API биллинг-сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Handle == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Handle, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Handle == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Handle, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// GetEntitlements возвращает текущую сводку прав пользователя.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ent, err := h.service.GetEntitlements(r.Context(), userID)
	if err != nil {
		h.logger.Error("get entitlements error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ent)
}

type consumeLikeRequest struct {
	Receiver string `json:"receiver"`
	Kind     string `json:"kind"`
	Message  string `json:"message,omitempty"`
}

// ConsumeLike списывает один лайк указанного вида.
func (h *Handler) ConsumeLike(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req consumeLikeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Receiver == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind, ok := model.ParseLikeKind(req.Kind)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	ent, err := h.service.ConsumeLike(r.Context(), userID, kind)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientCredit) {
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
			return
		}
		h.logger.Error("consume like error", zap.Error(err),
			zap.Int64("userID", userID), zap.String("kind", kind.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ent)
}

type ticketResponse struct {
	ID         int64      `json:"id"`
	Code       string     `json:"code"`
	Status     string     `json:"status"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
}

// GetTickets возвращает тикеты текущего пользователя.
func (h *Handler) GetTickets(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	tickets, err := h.service.GetTicketsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get tickets error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(tickets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ticketResponse, 0, len(tickets))
	for _, t := range tickets {
		resp = append(resp, ticketResponse{
			ID:         t.ID,
			Code:       ticket.CodeName(t.Code),
			Status:     string(t.Status),
			AcquiredAt: t.AcquiredAt,
			ExpiresAt:  t.ExpiresAt,
			UsedAt:     t.UsedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type exchangeRequest struct {
	Code string `json:"code"`
}

// ExchangeTicket обменивает баллы пользователя на тикет.
func (h *Handler) ExchangeTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	code, ok := ticket.ParseCode(req.Code)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	t, err := h.service.ExchangeTicket(r.Context(), userID, code)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientPoints) {
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
			return
		}
		h.logger.Error("exchange ticket error", zap.Error(err),
			zap.Int64("userID", userID), zap.String("code", req.Code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, ticketResponse{
		ID:         t.ID,
		Code:       ticket.CodeName(t.Code),
		Status:     string(t.Status),
		AcquiredAt: t.AcquiredAt,
		ExpiresAt:  t.ExpiresAt,
	})
}

// UseTicket применяет эффект тикета текущего пользователя.
func (h *Handler) UseTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ticketID, err := strconv.ParseInt(chi.URLParam(r, "ticketID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	summary, err := h.service.UseTicket(r.Context(), userID, ticketID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTicketNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrTicketAlreadyUsed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrTicketExpired):
			http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
		case errors.Is(err, repository.ErrUnknownTicketCode):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("use ticket error", zap.Error(err),
				zap.Int64("userID", userID), zap.Int64("ticketID", ticketID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

type verifyPurchaseRequest struct {
	Receipt string `json:"receipt"`
}

// VerifyPurchase проверяет платёжное подтверждение, присланное клиентом.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req verifyPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Receipt == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ent, err := h.service.VerifyPurchase(r.Context(), userID, req.Receipt)
	if err != nil {
		if errors.Is(err, appstore.ErrVerificationFailed) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("verify purchase error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ent)
}

type notificationRequest struct {
	SignedPayload string `json:"signedPayload"`
}

// PlatformNotification принимает серверное уведомление платёжной платформы.
// Ответ всегда 200, чтобы платформа не копила повторные доставки; ошибки
// обработки только логируются.
func (h *Handler) PlatformNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SignedPayload == "" {
		h.logger.Warn("malformed platform notification", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	applied, err := h.service.HandlePlatformNotification(r.Context(), req.SignedPayload)
	if err != nil {
		h.logger.Error("platform notification error", zap.Error(err))
	} else if len(applied) > 0 {
		h.logger.Info("platform notification applied", zap.Strings("fields", applied))
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
