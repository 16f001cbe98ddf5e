package negotiation

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	ErrMediaAccessDenied     = errors.New("media access denied")
	ErrMediaDeviceNotFound   = errors.New("media device not found")
	ErrMediaDeviceBusy       = errors.New("media device busy")
	ErrNegotiationInitFailed = errors.New("negotiation init failed")
	ErrNegotiationState      = errors.New("invalid negotiation state")
	ErrCandidateApplyFailed  = errors.New("candidate apply failed")
)

// ClassifyMediaError maps a capture failure onto one of the media errors.
// Errors that already carry a media error are returned unchanged; anything
// unrecognized becomes ErrNegotiationInitFailed.
func ClassifyMediaError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMediaAccessDenied),
		errors.Is(err, ErrMediaDeviceNotFound),
		errors.Is(err, ErrMediaDeviceBusy),
		errors.Is(err, ErrNegotiationInitFailed):
		return err
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %w", ErrMediaDeviceBusy, err)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return fmt.Errorf("%w: %w", ErrMediaDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %w", ErrNegotiationInitFailed, err)
	}
}
