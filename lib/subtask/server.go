// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package subtask

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type requestType int

const (
	requestNext requestType = iota
	reportComplete
	reportLocked
)

func (t requestType) String() string {
	switch t {
	case requestNext:
		return "next"
	case reportComplete:
		return "report-complete"
	case reportLocked:
		return "report-locked"
	default:
		return "unknown"
	}
}

type request struct {
	typ   requestType
	index int
	reply chan<- Allocation
}

// Server owns an Allocator and answers requests from Clients one at a
// time, in the order they arrive.
type Server struct {
	logger   logrus.FieldLogger
	alloc    *Allocator
	requests chan request

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewServer returns a server for a task with n subtasks. Call Start
// before using its clients.
func NewServer(logger logrus.FieldLogger, n int) *Server {
	return &Server{
		logger:   logger,
		alloc:    NewAllocator(n),
		requests: make(chan request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the server goroutine. Calling Start more than once has
// no effect.
func (srv *Server) Start() {
	srv.startOnce.Do(func() { go srv.run() })
}

// Stop shuts down the server. Clients waiting to send a request or to
// receive a response get ErrServerShutdown. Stop can be called more
// than once.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() { close(srv.done) })
	srv.Start()
	<-srv.stopped
}

// Done returns a channel that is closed when the server is shut down.
func (srv *Server) Done() <-chan struct{} {
	return srv.done
}

// Client returns a new client connected to the server.
func (srv *Server) Client() *Client {
	return &Client{requests: srv.requests, done: srv.done}
}

func (srv *Server) run() {
	defer close(srv.stopped)
	for {
		select {
		case <-srv.done:
			return
		case req := <-srv.requests:
			resp := srv.handle(req)
			// reply has room for exactly one response, so
			// this never blocks even if the client gave up.
			req.reply <- resp
		}
	}
}

func (srv *Server) handle(req request) Allocation {
	var resp Allocation
	var err error
	switch req.typ {
	case requestNext:
		resp = srv.alloc.Next()
	case reportComplete:
		err = srv.alloc.MarkComplete(req.index)
	case reportLocked:
		err = srv.alloc.MarkLocked(req.index)
	}
	if err != nil {
		srv.logger.WithError(err).WithField("Request", req.typ.String()).Warn("ignoring invalid report")
	}
	srv.logger.WithFields(logrus.Fields{
		"Request":  req.typ.String(),
		"Subtask":  req.index,
		"Response": resp.String(),
	}).Debug("handled subtask request")
	return resp
}
