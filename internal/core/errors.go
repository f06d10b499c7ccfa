package core

import "errors"

var (
	// ErrNegotiationState means a description arrived in a state that
	// cannot accept it. Never surfaced to callers: the offending
	// message (and, for offers, the record) is dropped and a fresh
	// negotiation attempt is awaited.
	ErrNegotiationState = errors.New("invalid negotiation state")

	// ErrDeviceAccess wraps capture acquisition failures. Fatal to the
	// initiating call and never auto-retried.
	ErrDeviceAccess = errors.New("device access")
)
