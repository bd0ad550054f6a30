package analysis

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/harshitnarang21/AI-Vision/internal/framebus"
	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// Classify maps a collaborator failure onto a stable ErrorKind.
//
// Status codes win when the collaborator reports one; otherwise the message is
// searched for the same markers the remote service puts in its error bodies.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return types.KindUnknown
	}
	if errors.Is(err, framebus.ErrDecodeFailure) {
		return types.KindDecodeFailure
	}

	msg := strings.ToLower(err.Error())

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusForbidden && strings.Contains(msg, "public access is disabled"):
			return types.KindAccessDisabled
		case se.Status == http.StatusUnauthorized:
			return types.KindAuthError
		case se.Status == http.StatusTooManyRequests:
			return types.KindRateLimited
		}
	}

	switch {
	case strings.Contains(msg, "public access is disabled"):
		return types.KindAccessDisabled
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return types.KindAuthError
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return types.KindRateLimited
	}
	return types.KindUnknown
}

// describe returns a short user-facing message for a failure kind
func describe(kind types.ErrorKind, err error) string {
	switch kind {
	case types.KindAccessDisabled:
		return "analysis endpoint has public access disabled"
	case types.KindAuthError:
		return "analysis credentials were rejected"
	case types.KindRateLimited:
		return "analysis rate limit exceeded"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "analysis timed out"
	}
	return err.Error()
}
