//go:build !linux

package lockres

import (
	"context"
	"errors"
	"time"
)

var errUnsupported = errors.New("lock holder inspection is only supported on linux")

type unsupportedInspector struct{}

func NewInspector() Inspector { return unsupportedInspector{} }

func (unsupportedInspector) Holders(context.Context, string) ([]Holder, error) {
	return nil, errUnsupported
}

func (unsupportedInspector) Terminate(context.Context, int32, time.Duration) error {
	return errUnsupported
}
