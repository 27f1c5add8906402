// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package subtask

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.algorun.org/algorun.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct{}

func (s *ServerSuite) TestRequests(c *check.C) {
	srv := NewServer(ctxlog.TestLogger(c), 3)
	srv.Start()
	defer srv.Stop()
	ctx := context.Background()
	cl := srv.Client()
	for i := 0; i < 3; i++ {
		resp, err := cl.Next(ctx)
		c.Check(err, check.IsNil)
		c.Check(resp, check.Equals, Allocation{Status: OK, Index: i})
	}
	resp, err := cl.Next(ctx)
	c.Check(err, check.IsNil)
	c.Check(resp.Status, check.Equals, TryAgain)
	for i := 0; i < 3; i++ {
		c.Check(cl.ReportComplete(ctx, i), check.IsNil)
	}
	// invalid reports are logged, not returned
	c.Check(cl.ReportLocked(ctx, 99), check.IsNil)
	resp, err = cl.Next(ctx)
	c.Check(err, check.IsNil)
	c.Check(resp.Status, check.Equals, NoMore)
}

func (s *ServerSuite) TestConcurrentClients(c *check.C) {
	const n = 200
	srv := NewServer(ctxlog.TestLogger(c), n)
	srv.Start()
	defer srv.Stop()

	var mtx sync.Mutex
	claims := make(map[int]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			cl := srv.Client()
			for {
				resp, err := cl.Next(ctx)
				c.Assert(err, check.IsNil)
				switch resp.Status {
				case NoMore:
					return
				case TryAgain:
					time.Sleep(time.Millisecond)
				case OK:
					mtx.Lock()
					claims[resp.Index]++
					mtx.Unlock()
					c.Check(cl.ReportComplete(ctx, resp.Index), check.IsNil)
				}
			}
		}()
	}
	wg.Wait()
	c.Check(claims, check.HasLen, n)
	for i, count := range claims {
		c.Check(count, check.Equals, 1, check.Commentf("subtask %d", i))
	}
}

func (s *ServerSuite) TestCancelWhileSending(c *check.C) {
	// Server not started: nobody receives the request.
	srv := NewServer(ctxlog.TestLogger(c), 1)
	defer srv.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := srv.Client().Next(ctx)
	var cerr *CancelledError
	c.Assert(errors.As(err, &cerr), check.Equals, true)
	c.Check(cerr.Phase, check.Equals, PhaseSending)
	c.Check(errors.Is(err, context.DeadlineExceeded), check.Equals, true)
	c.Check(err, check.ErrorMatches, `cancelled while sending request: .*`)

	// Already cancelled
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = srv.Client().ReportComplete(ctx, 0)
	c.Assert(errors.As(err, &cerr), check.Equals, true)
	c.Check(cerr.Phase, check.Equals, PhaseSending)
}

func (s *ServerSuite) TestCancelWhileWaiting(c *check.C) {
	srv := NewServer(ctxlog.TestLogger(c), 1)
	defer srv.Stop()
	// Accept the request but never answer it.
	go func() { <-srv.requests }()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := srv.Client().Next(ctx)
	var cerr *CancelledError
	c.Assert(errors.As(err, &cerr), check.Equals, true)
	c.Check(cerr.Phase, check.Equals, PhaseWaiting)
	c.Check(err, check.ErrorMatches, `cancelled while waiting for response: .*`)
}

func (s *ServerSuite) TestShutdownWhileSending(c *check.C) {
	srv := NewServer(ctxlog.TestLogger(c), 1)
	defer srv.Stop()
	errs := make(chan error)
	go func() {
		_, err := srv.Client().Next(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	srv.stopOnce.Do(func() { close(srv.done) })
	select {
	case err := <-errs:
		c.Check(err, check.Equals, ErrServerShutdown)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out")
	}
}

func (s *ServerSuite) TestShutdownWhileWaiting(c *check.C) {
	srv := NewServer(ctxlog.TestLogger(c), 1)
	defer srv.Stop()
	received := make(chan struct{})
	go func() {
		<-srv.requests
		close(received)
	}()
	errs := make(chan error)
	go func() {
		_, err := srv.Client().Next(context.Background())
		errs <- err
	}()
	<-received
	srv.stopOnce.Do(func() { close(srv.done) })
	select {
	case err := <-errs:
		c.Check(err, check.Equals, ErrServerShutdown)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out")
	}
}

func (s *ServerSuite) TestStopIdempotent(c *check.C) {
	srv := NewServer(ctxlog.TestLogger(c), 1)
	srv.Start()
	srv.Stop()
	srv.Stop()
	_, err := srv.Client().Next(context.Background())
	c.Check(err, check.Equals, ErrServerShutdown)
}
