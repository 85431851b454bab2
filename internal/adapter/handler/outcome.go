package handler

import (
	"errors"
	"net/http"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/core/service"
)

const codeDuplicate = "duplicate"

type outcome struct {
	status  int
	code    string
	message string
}

// describe maps a StockService error onto what both transports report.
func describe(err error) outcome {
	if err == nil {
		return outcome{status: http.StatusOK, code: string(domain.KindNone), message: "stock decreased"}
	}
	if errors.Is(err, service.ErrDuplicateRequest) {
		return outcome{status: http.StatusConflict, code: codeDuplicate, message: "duplicate request"}
	}

	kind := domain.Classify(err)
	switch kind {
	case domain.KindInvalid:
		return outcome{status: http.StatusBadRequest, code: string(kind), message: err.Error()}
	case domain.KindNotFound:
		return outcome{status: http.StatusNotFound, code: string(kind), message: "stock not found"}
	case domain.KindBusinessRule:
		return outcome{status: http.StatusGone, code: string(kind), message: "insufficient stock"}
	case domain.KindContention:
		return outcome{status: http.StatusServiceUnavailable, code: string(kind), message: "stock is busy, retry"}
	case domain.KindCanceled:
		return outcome{status: http.StatusServiceUnavailable, code: string(kind), message: "request canceled"}
	default:
		return outcome{status: http.StatusInternalServerError, code: string(kind), message: "internal error"}
	}
}
