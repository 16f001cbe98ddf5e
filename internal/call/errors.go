package call

import (
	"context"
	"errors"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/callrecord"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/mailbox"
	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
)

var (
	ErrRoleResolution = errors.New("local identity is not a participant of the call")
	ErrSignalingWrite = errors.New("signaling write failed")
	ErrBusy           = errors.New("another call is active")
	ErrNotActive      = errors.New("call is not active")
	ErrStarted        = errors.New("coordinator already started")
)

// ErrorKind is the stable error name reported to the UI.
type ErrorKind string

const (
	KindMediaAccessDenied     ErrorKind = "media_access_denied"
	KindMediaDeviceNotFound   ErrorKind = "media_device_not_found"
	KindMediaDeviceBusy       ErrorKind = "media_device_busy"
	KindNegotiationInitFailed ErrorKind = "negotiation_init_failed"
	KindNegotiationState      ErrorKind = "negotiation_state"
	KindSignalingWriteFailed  ErrorKind = "signaling_write_failed"
	KindRoleResolutionFailed  ErrorKind = "role_resolution_failed"
	KindCallNotFound          ErrorKind = "call_not_found"
	KindUnknown               ErrorKind = "unknown"
)

// KindOf classifies err. The first matching kind wins, so a write that was
// rejected because the offer is already set reads as a negotiation defect
// rather than a transport failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, negotiation.ErrMediaAccessDenied):
		return KindMediaAccessDenied
	case errors.Is(err, negotiation.ErrMediaDeviceNotFound):
		return KindMediaDeviceNotFound
	case errors.Is(err, negotiation.ErrMediaDeviceBusy):
		return KindMediaDeviceBusy
	case errors.Is(err, ErrRoleResolution):
		return KindRoleResolutionFailed
	case errors.Is(err, negotiation.ErrNegotiationState),
		errors.Is(err, callrecord.ErrOfferAlreadySet),
		errors.Is(err, callrecord.ErrAnswerAlreadySet):
		return KindNegotiationState
	case errors.Is(err, ErrSignalingWrite):
		return KindSignalingWriteFailed
	case errors.Is(err, mailbox.ErrNotFound):
		return KindCallNotFound
	case errors.Is(err, negotiation.ErrNegotiationInitFailed):
		return KindNegotiationInitFailed
	default:
		return KindUnknown
	}
}

// retryable reports whether a failed signaling operation may succeed when
// repeated unchanged.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, mailbox.ErrNotFound), errors.Is(err, mailbox.ErrCallExists), errors.Is(err, mailbox.ErrClosed):
		return false
	case errors.Is(err, callrecord.ErrInvalidRecord),
		errors.Is(err, callrecord.ErrCallEnded),
		errors.Is(err, callrecord.ErrOfferAlreadySet),
		errors.Is(err, callrecord.ErrAnswerAlreadySet),
		errors.Is(err, callrecord.ErrStatusRegression),
		errors.Is(err, callrecord.ErrForbidden):
		return false
	}
	return true
}
