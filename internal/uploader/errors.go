package uploader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
)

// Kind splits upload failures into the categories the scheduler acts on.
// Auth, permission and config failures disable the channel; quota makes it
// temporarily ineligible; transient and unknown are retried up to the ceiling.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindPermission Kind = "permission"
	KindQuota      Kind = "quota"
	KindConfig     Kind = "config"
	KindTransient  Kind = "transient"
	KindUnknown    Kind = "unknown"
)

// ChannelDisabling reports whether the failure should flip the channel's
// auth_status so later passes skip it.
func (k Kind) ChannelDisabling() bool {
	return k == KindAuth || k == KindPermission || k == KindConfig
}

// Retryable reports whether the same item may be retried on a later pass.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindUnknown
}

// Error is the typed failure returned by Uploader implementations.
type Error struct {
	Kind    Kind
	Code    string
	Phase   string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upload %s error [%s] at %s: %s", e.Kind, e.Code, e.Phase, e.Message)
	}
	return fmt.Sprintf("upload %s error at %s: %s", e.Kind, e.Phase, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a typed error with an underlying cause.
func NewError(kind Kind, code, phase, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Phase: phase, Message: message, cause: cause}
}

// KindOf extracts the failure category from any error. Untyped errors are
// treated as unknown so they stay retryable.
func KindOf(err error) Kind {
	var uploadErr *Error
	if errors.As(err, &uploadErr) {
		return uploadErr.Kind
	}
	return KindUnknown
}

// AsError returns the typed error or wraps an arbitrary one as unknown in the
// given phase.
func AsError(err error, phase string) *Error {
	var uploadErr *Error
	if errors.As(err, &uploadErr) {
		return uploadErr
	}
	return NewError(KindUnknown, "", phase, err.Error(), err)
}

// Classify maps a raw error from the YouTube client to the taxonomy.
// Reason strings follow the googleapi error format.
func Classify(err error, phase string) *Error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		reason := apiReason(apiErr)
		switch {
		case apiErr.Code == 401 || reason == "authError" || reason == "invalid_grant":
			return NewError(KindAuth, reason, phase, apiErr.Message, err)
		case apiErr.Code == 403 && (reason == "quotaExceeded" || reason == "dailyLimitExceeded" || reason == "uploadLimitExceeded"):
			return NewError(KindQuota, reason, phase, apiErr.Message, err)
		case apiErr.Code == 403:
			return NewError(KindPermission, reason, phase, apiErr.Message, err)
		case apiErr.Code == 400 || apiErr.Code == 422:
			return NewError(KindConfig, reason, phase, apiErr.Message, err)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return NewError(KindTransient, reason, phase, apiErr.Message, err)
		default:
			return NewError(KindUnknown, reason, phase, apiErr.Message, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTransient, "deadline_exceeded", phase, "upload call timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(KindTransient, "network", phase, netErr.Error(), err)
	}

	// oauth2 surfaces revoked refresh tokens as plain errors with this marker.
	if strings.Contains(err.Error(), "invalid_grant") {
		return NewError(KindAuth, "invalid_grant", phase, err.Error(), err)
	}

	return NewError(KindUnknown, "", phase, err.Error(), err)
}

func apiReason(apiErr *googleapi.Error) string {
	if len(apiErr.Errors) > 0 {
		return apiErr.Errors[0].Reason
	}
	return ""
}
