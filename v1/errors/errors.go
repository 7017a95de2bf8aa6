// Package errors holds transport errors shared by the notification buses.
package errors

import "errors"

var (
	// ErrTimeout is returned when a bus round trip exceeds its deadline.
	ErrTimeout = errors.New("latch: timeout")
	// ErrConnectionClosed is returned by a bus used after Close.
	ErrConnectionClosed = errors.New("latch: connection closed")
)
