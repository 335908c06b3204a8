package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// maxBodyBytes ограничивает размер тела запроса.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Detail     string  `json:"detail"`
	ProductIDs []int64 `json:"product_ids,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read request body", domain.ErrInvalidArgument)
	}
	return body, nil
}

func decodeJSON(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func decodeRequest(r *http.Request, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return decodeJSON(body, dst)
}

// writeError переводит доменную ошибку в HTTP ответ. Детали 5xx в ответ не попадают.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, payload := s.classify(err)

	switch {
	case status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", "Bearer")
	case errors.Is(err, domain.ErrTransactionConflict):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": RequestIDFromContext(r.Context()),
		}).Error("request failed")
	}

	writeJSON(w, status, payload)
}

func (s *Server) classify(err error) (int, errorResponse) {
	var (
		missing      *domain.ProductNotFoundError
		insufficient *domain.InsufficientStockError
	)

	switch {
	case errors.As(err, &missing):
		return http.StatusNotFound, errorResponse{Detail: "products not found", ProductIDs: missing.IDs}
	case errors.As(err, &insufficient):
		return http.StatusConflict, errorResponse{Detail: "insufficient stock", ProductIDs: insufficient.IDs}
	case errors.Is(err, domain.ErrClientNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, errorResponse{Detail: err.Error()}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, errorResponse{Detail: err.Error()}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorResponse{Detail: err.Error()}
	case errors.Is(err, domain.ErrTransactionConflict):
		return http.StatusConflict, errorResponse{Detail: "concurrent update, retry the request"}
	case domain.IsIdempotencyConflict(err), errors.Is(err, domain.ErrReferenced):
		return http.StatusConflict, errorResponse{Detail: err.Error()}
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrStockWouldBeNegative),
		errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, errorResponse{Detail: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Detail: "internal server error"}
	}
}

// bufferedResponse накапливает ответ, чтобы сохранить его под Idempotency-Key.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
