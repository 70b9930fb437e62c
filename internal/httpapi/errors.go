package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"market-access-go/market"
)

// StatusClientClosedRequest is used when the caller went away before the
// query finished.
const StatusClientClosedRequest = 499

// ErrorResponse is the body of failures raised by the HTTP layer itself.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusFor maps a response to its HTTP status.
func StatusFor(resp market.Response) int {
	if resp.Success || resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case market.KindValidation:
		return http.StatusBadRequest
	case market.KindRateLimited:
		return http.StatusTooManyRequests
	case market.KindTransport:
		return http.StatusBadGateway
	case market.KindCanceled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// writeResponse writes the envelope with its mapped status. Rate-limited
// replies carry Retry-After in whole seconds, rounded up.
func writeResponse(w http.ResponseWriter, resp market.Response) {
	status := StatusFor(resp)
	if status == http.StatusTooManyRequests {
		secs := int(math.Ceil(resp.Error.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
