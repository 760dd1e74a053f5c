package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/judeokello/microbima-sub000/internal/domain"
	"github.com/judeokello/microbima-sub000/internal/gateway"
	"github.com/judeokello/microbima-sub000/internal/service"
	"github.com/judeokello/microbima-sub000/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "endpoint"})
)

var validate = validator.New()

type Handler struct {
	requests   *service.RequestService
	reconciler *service.Reconciler
	log        *slog.Logger
}

func NewHandler(requests *service.RequestService, reconciler *service.Reconciler, log *slog.Logger) *Handler {
	return &Handler{requests: requests, reconciler: reconciler, log: log}
}

// InitiatePaymentRequest is the caller's DTO for starting a push payment.
type InitiatePaymentRequest struct {
	MSISDN           string `json:"msisdn" validate:"required"`
	Amount           string `json:"amount" validate:"required"`
	AccountReference string `json:"account_reference" validate:"required,max=12"`
	Description      string `json:"description" validate:"max=100"`
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/payments"))
	defer timer.ObserveDuration()

	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/payments")
		return
	}
	if err := validate.Struct(req); err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", "/payments")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be a decimal string", "POST", "/payments")
		return
	}

	created, err := h.requests.Create(r.Context(), service.CreateInput{
		MSISDN:           req.MSISDN,
		Amount:           amount,
		AccountReference: req.AccountReference,
		Description:      req.Description,
	})
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			h.respondError(w, http.StatusUnprocessableEntity, vErr.Error(), "POST", "/payments")
			return
		}
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			// The request row exists and stays PENDING; tell the caller
			// which request to watch.
			h.respondJSON(w, http.StatusBadGateway, map[string]string{
				"error":      "payment prompt could not be sent",
				"request_id": created.ID,
			}, "POST", "/payments")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/payments")
		return
	}
	h.respondJSON(w, http.StatusCreated, created, "POST", "/payments")
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := h.requests.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			h.respondError(w, http.StatusNotFound, "Not Found", "GET", "/payments/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error(), "GET", "/payments/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, req, "GET", "/payments/{id}")
}

// providerAck is the fixed acknowledgement both inbound channels get no
// matter what happened internally. Anything else triggers the provider's
// retry storm, and its retries exist for its delivery guarantees, not for
// our bugs.
type providerAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// stkCallbackEnvelope is the provider's per-request callback wire format.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        int         `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  stkMetadata `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type stkMetadata struct {
	Item []stkMetadataItem `json:"Item"`
}

type stkMetadataItem struct {
	Name  string      `json:"Name"`
	Value json.Number `json:"Value"`
}

func (m stkMetadata) get(name string) string {
	for _, item := range m.Item {
		if item.Name == name {
			return item.Value.String()
		}
	}
	return ""
}

// StkCallback receives the per-request callback. The ack is fixed; every
// internal failure is logged and swallowed here, at the topmost handler.
func (h *Handler) StkCallback(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/callbacks/stk"))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.ackProvider(w, "Accepted", "POST", "/callbacks/stk")
		return
	}

	var envelope stkCallbackEnvelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		h.log.Error("undecodable stk callback", "err", err, "body", string(body))
		h.ackProvider(w, "Accepted", "POST", "/callbacks/stk")
		return
	}
	cb := envelope.Body.StkCallback

	ev := service.CallbackEvent{
		CorrelationToken:  cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDescription: cb.ResultDesc,
		Raw:               body,
	}
	if cb.ResultCode == domain.ResultCodeSuccess {
		ev.TransactionReference = cb.CallbackMetadata.get("MpesaReceiptNumber")
		ev.MSISDN = cb.CallbackMetadata.get("PhoneNumber")
		ev.CompletedAtRaw = cb.CallbackMetadata.get("TransactionDate")
		if amount, err := decimal.NewFromString(cb.CallbackMetadata.get("Amount")); err == nil {
			ev.Amount = amount
		}
	}

	if err := h.reconciler.ProcessCallback(r.Context(), ev); err != nil {
		h.log.Error("stk callback processing failed",
			"token", ev.CorrelationToken, "err", err)
	}
	h.ackProvider(w, "Accepted", "POST", "/callbacks/stk")
}

// c2bConfirmation is the account-stream wire format: every transaction
// against the short code, whether or not a prompt caused it.
type c2bConfirmation struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
}

func (h *Handler) C2BConfirmation(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/callbacks/c2b/confirmation"))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.ackProvider(w, "Success", "POST", "/callbacks/c2b/confirmation")
		return
	}

	var conf c2bConfirmation
	if err := json.Unmarshal(body, &conf); err != nil || conf.TransID == "" {
		h.log.Error("undecodable c2b confirmation", "err", err, "body", string(body))
		h.ackProvider(w, "Success", "POST", "/callbacks/c2b/confirmation")
		return
	}

	amount, err := decimal.NewFromString(conf.TransAmount)
	if err != nil {
		h.log.Error("c2b confirmation with unparseable amount",
			"transaction_reference", conf.TransID, "amount", conf.TransAmount)
		h.ackProvider(w, "Success", "POST", "/callbacks/c2b/confirmation")
		return
	}
	ev := service.StreamEvent{
		TransactionReference: conf.TransID,
		TransactionType:      conf.TransactionType,
		Amount:               amount,
		AccountReference:     conf.BillRefNumber,
		MSISDN:               conf.MSISDN,
		CompletedAtRaw:       conf.TransTime,
		Raw:                  body,
	}
	if balance, err := decimal.NewFromString(conf.OrgAccountBalance); err == nil {
		ev.OrgAccountBalance = &balance
	}

	if err := h.reconciler.ProcessStreamEvent(r.Context(), ev); err != nil {
		h.log.Error("c2b confirmation processing failed",
			"transaction_reference", conf.TransID, "err", err)
	}
	h.ackProvider(w, "Success", "POST", "/callbacks/c2b/confirmation")
}

// C2BValidation accepts every transaction. Validation rejections are a
// product decision this engine does not make.
func (h *Handler) C2BValidation(w http.ResponseWriter, r *http.Request) {
	h.ackProvider(w, "Accepted", "POST", "/callbacks/c2b/validation")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// Helpers
func (h *Handler) ackProvider(w http.ResponseWriter, desc, method, endpoint string) {
	h.respondJSON(w, http.StatusOK, providerAck{ResultCode: 0, ResultDesc: desc}, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
