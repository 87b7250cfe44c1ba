package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout               = errors.New("timeout")
	ErrTransportUnavailable  = errors.New("transport unavailable")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
	ErrJoinTimeout           = fmt.Errorf("join acknowledgment: %w", ErrTimeout)
	ErrReconciliationFailure = errors.New("reconciliation failed")
	ErrMalformedFrame        = errors.New("malformed frame")
	ErrNotConnected          = errors.New("not connected")
	ErrJoinCancelled         = errors.New("join cancelled by leave")
	ErrUnknownEventKind      = errors.New("unknown event kind")
	ErrSessionClosed         = errors.New("session closed")
	ErrAuctionNotFound       = errors.New("auction not found")
	ErrBidRejected           = errors.New("bid rejected")
)
