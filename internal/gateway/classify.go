package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/chittyos/chittybridge/internal/apierr"
)

// Classify maps a transport error and/or HTTP response into the ErrorKind
// taxonomy (§7), following the same classification the gateway's retry and
// breaker logic key off of.
func Classify(err error, resp *http.Response) apierr.Kind {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apierr.KindTimeout
		}
		if errors.Is(err, context.Canceled) {
			return apierr.KindTimeout
		}
		return apierr.KindNetwork
	}
	if resp == nil {
		return apierr.KindUnknown
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apierr.KindRateLimit
	case resp.StatusCode == http.StatusUnauthorized:
		return apierr.KindAuth
	case resp.StatusCode == http.StatusForbidden:
		return apierr.KindPermission
	case resp.StatusCode == http.StatusNotFound:
		return apierr.KindNotFound
	case resp.StatusCode == http.StatusConflict:
		return apierr.KindConflict
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return apierr.KindValidation
	case resp.StatusCode >= 500:
		return apierr.KindServer
	case resp.StatusCode >= 400:
		// 4xx other than 429/401/403/404/409/400 never trips the breaker and
		// is not retried (§4.B).
		return apierr.KindValidation
	default:
		return ""
	}
}
