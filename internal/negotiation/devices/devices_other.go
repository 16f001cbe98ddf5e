//go:build !linux || !cgo

package devices

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/negotiation"
)

const Available = false

// Source reports every Open as ErrMediaDeviceNotFound: capture drivers are
// only built on linux with cgo.
type Source struct{}

func NewSource(*slog.Logger) (*Source, error) { return &Source{}, nil }

func (*Source) Open(context.Context) (*negotiation.LocalMedia, error) {
	return nil, fmt.Errorf("%w: capture not supported in this build", negotiation.ErrMediaDeviceNotFound)
}
