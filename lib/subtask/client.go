// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package subtask

import (
	"context"
	"errors"
)

// ErrServerShutdown is returned by Client methods when the server
// stops before answering.
var ErrServerShutdown = errors.New("subtask server shut down")

const (
	PhaseSending = "sending request"
	PhaseWaiting = "waiting for response"
)

// CancelledError is returned by Client methods when the caller's
// context is done. Phase tells whether the request was already
// delivered to the server.
type CancelledError struct {
	Phase string
	Err   error
}

func (e *CancelledError) Error() string {
	return "cancelled while " + e.Phase + ": " + e.Err.Error()
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// Client is a handle for sending requests to a Server. A Client can be
// used by one goroutine at a time; give each worker its own.
type Client struct {
	requests chan<- request
	done     <-chan struct{}
}

// Next asks for the next subtask to process.
func (cl *Client) Next(ctx context.Context) (Allocation, error) {
	return cl.do(ctx, requestNext, 0)
}

// ReportComplete tells the server subtask i needs no more work.
func (cl *Client) ReportComplete(ctx context.Context, i int) error {
	_, err := cl.do(ctx, reportComplete, i)
	return err
}

// ReportLocked tells the server subtask i is locked by another
// process.
func (cl *Client) ReportLocked(ctx context.Context, i int) error {
	_, err := cl.do(ctx, reportLocked, i)
	return err
}

func (cl *Client) do(ctx context.Context, typ requestType, i int) (Allocation, error) {
	if err := ctx.Err(); err != nil {
		return Allocation{}, &CancelledError{Phase: PhaseSending, Err: err}
	}
	reply := make(chan Allocation, 1)
	select {
	case cl.requests <- request{typ: typ, index: i, reply: reply}:
	case <-ctx.Done():
		return Allocation{}, &CancelledError{Phase: PhaseSending, Err: ctx.Err()}
	case <-cl.done:
		return Allocation{}, ErrServerShutdown
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return Allocation{}, &CancelledError{Phase: PhaseWaiting, Err: ctx.Err()}
	case <-cl.done:
		// The server may have answered just before
		// shutting down.
		select {
		case resp := <-reply:
			return resp, nil
		default:
			return Allocation{}, ErrServerShutdown
		}
	}
}
