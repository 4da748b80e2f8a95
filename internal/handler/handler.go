// Package handler содержит HTTP-обработчики API сервиса статусов заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderstatus-service/internal/model"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Confirm(ctx context.Context, orderID, userEmail string) (*model.OrderStatusRecord, error)
	Cancel(ctx context.Context, orderID string) (*model.OrderStatusRecord, error)
	Accept(ctx context.Context, orderID string) (*model.OrderStatusRecord, error)
	Status(ctx context.Context, orderID string) (model.OrderStatus, error)
	ListActive(ctx context.Context) ([]model.OrderStatusRecord, error)
	Progress(ctx context.Context, orderID string) (model.DeliveryProgress, error)
	DeleteOrder(ctx context.Context, orderID string) error
}

// OTPService выпускает и проверяет коды подтверждения доставки.
type OTPService interface {
	Generate(ctx context.Context, orderID string) (time.Time, error)
	Resend(ctx context.Context, orderID string) (time.Time, error)
	Verify(ctx context.Context, orderID, code string) error
}

// EventSource раздаёт события подписчикам потока /orderstatus/events.
type EventSource interface {
	Subscribe() (<-chan model.Event, func())
}

// Handler реализует HTTP-обработчики API сервиса статусов заказов.
type Handler struct {
	service Service
	otp     OTPService
	events  EventSource
	logger  *zap.Logger

	heartbeat time.Duration
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, otp OTPService, events EventSource, logger *zap.Logger) *Handler {
	return &Handler{
		service:   s,
		otp:       otp,
		events:    events,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

type orderRequest struct {
	OrderID   string `json:"orderId"`
	UserEmail string `json:"userEmail,omitempty"`
	OTP       string `json:"otp,omitempty"`
}

type orderStatusResponse struct {
	OrderID     string `json:"orderId"`
	UserEmail   string `json:"userEmail"`
	Status      string `json:"status"`
	OTPAttempts int    `json:"otpAttempts"`
	OTPVerified bool   `json:"otpVerified"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

type messageResponse struct {
	Msg         string               `json:"msg"`
	Order       *orderStatusResponse `json:"order,omitempty"`
	OTPExpireAt string               `json:"otpExpiresAt,omitempty"`
}

type errorResponse struct {
	Msg  string `json:"msg"`
	Code string `json:"code"`
}

type progressResponse struct {
	Progress int    `json:"progress"`
	Status   string `json:"status,omitempty"`
}

func toResponse(rec *model.OrderStatusRecord) *orderStatusResponse {
	return &orderStatusResponse{
		OrderID:     rec.OrderID,
		UserEmail:   rec.UserEmail,
		Status:      string(rec.Status),
		OTPAttempts: rec.OTPAttempts,
		OTPVerified: rec.OTPVerified,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   rec.UpdatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, code int, typ, msg string) {
	writeJSON(w, code, errorResponse{Msg: msg, Code: typ})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", "Order not found")
	case errors.Is(err, model.ErrInvalidState):
		writeProblem(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, model.ErrOTPNotGenerated):
		writeProblem(w, http.StatusBadRequest, "otp_not_generated", "OTP not generated. Please generate one.")
	case errors.Is(err, model.ErrOTPExpired):
		writeProblem(w, http.StatusBadRequest, "otp_expired", "OTP expired. Please regenerate.")
	case errors.Is(err, model.ErrInvalidOTP):
		writeProblem(w, http.StatusBadRequest, "invalid_otp", "Invalid OTP")
	case errors.Is(err, model.ErrTooManyAttempts):
		writeProblem(w, http.StatusTooManyRequests, "too_many_attempts", "Too many attempts. Please regenerate OTP.")
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		writeProblem(w, http.StatusInternalServerError, "internal", "Server error")
	}
}

func decodeOrderRequest(w http.ResponseWriter, r *http.Request) (orderRequest, bool) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return req, false
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		writeProblem(w, http.StatusBadRequest, "bad_request", "orderId required")
		return req, false
	}
	return req, true
}

// Confirm подтверждает заказ.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}

	rec, err := h.service.Confirm(r.Context(), req.OrderID, strings.TrimSpace(req.UserEmail))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Msg: "Order confirmed successfully!", Order: toResponse(rec)})
}

// Cancel отменяет заказ.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}

	rec, err := h.service.Cancel(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Msg: "Order canceled successfully!", Order: toResponse(rec)})
}

// Accept передаёт заказ в доставку.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}

	rec, err := h.service.Accept(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Msg: "Order accepted successfully!", Order: toResponse(rec)})
}

// GenerateOTP выпускает код доставки и отправляет его покупателю.
func (h *Handler) GenerateOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}

	expiresAt, err := h.otp.Generate(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Msg:         "OTP generated and email is being sent.",
		OTPExpireAt: expiresAt.Format(time.RFC3339),
	})
}

// ResendOTP выпускает код заново.
func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}

	expiresAt, err := h.otp.Resend(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Msg:         "OTP regenerated and emailed to user.",
		OTPExpireAt: expiresAt.Format(time.RFC3339),
	})
}

// VerifyOTP проверяет код и подтверждает доставку.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrderRequest(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.OTP) == "" {
		writeProblem(w, http.StatusBadRequest, "bad_request", "orderId and otp required")
		return
	}

	if err := h.otp.Verify(r.Context(), req.OrderID, req.OTP); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Msg: "OTP verified. Order marked as delivered."})
}

// ListActive возвращает заказы в статусах pending, on-the-way и delivered.
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListActive(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]*orderStatusResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toResponse(&list[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// DeliveryProgress возвращает прогресс доставки заказа.
func (h *Handler) DeliveryProgress(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	p, err := h.service.Progress(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, progressResponse{Progress: p.Progress, Status: string(p.Status)})
}

// GetStatus возвращает текущий статус заказа.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	status, err := h.service.Status(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// DeleteOrder удаляет заказ вместе с его статусом.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	if err := h.service.DeleteOrder(r.Context(), orderID); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Msg: "Order deleted"})
}

// Health сообщает, что сервис отвечает на запросы.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
