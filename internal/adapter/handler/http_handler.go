package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/core/service"
)

const retryAfterSeconds = "1"

type HTTPHandler struct {
	stockService *service.StockService
	logger       pslog.Logger
}

type DecreaseHTTPRequest struct {
	RequestID string `json:"request_id"`
	Key       string `json:"key"`
	Amount    int64  `json:"amount"`
}

type DecreaseHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type StockHTTPResponse struct {
	Key       string    `json:"key"`
	Quantity  int64     `json:"quantity"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewHTTPHandler(stockService *service.StockService, logger pslog.Logger) *HTTPHandler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &HTTPHandler{stockService: stockService, logger: logger}
}

// Register mounts the stock API on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/api/stock/decrease", h.Decrease)
	mux.HandleFunc("/api/stock", h.Stock)
}

func (h *HTTPHandler) Decrease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecreaseHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, DecreaseHTTPResponse{
			Success: false,
			Message: "invalid request body",
			Code:    string(domain.KindInvalid),
		})
		return
	}

	err := h.stockService.Decrease(r.Context(), req.RequestID, req.Key, req.Amount)
	out := describe(err)
	if out.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if out.status == http.StatusInternalServerError {
		h.logger.Error("http.decrease.failed", "key", req.Key, "amount", req.Amount, "error", err)
	}

	writeJSON(w, out.status, DecreaseHTTPResponse{
		Success: err == nil,
		Message: out.message,
		Code:    out.code,
	})
}

func (h *HTTPHandler) Stock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("key")
	rec, err := h.stockService.Stock(r.Context(), key)
	if err != nil {
		out := describe(err)
		writeJSON(w, out.status, DecreaseHTTPResponse{Success: false, Message: out.message, Code: out.code})
		return
	}
	writeJSON(w, http.StatusOK, StockHTTPResponse{
		Key:       rec.ID,
		Quantity:  rec.Quantity,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
