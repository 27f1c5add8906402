// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.algorun.org/algorun.git/sdk/go/algorun"
	"git.algorun.org/algorun.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

type call struct {
	taskID int64
	mode   algorun.RunMode
}

type stubRunner struct {
	mtx     sync.Mutex
	calls   []call
	active  map[int64]int
	overlap bool
	delay   time.Duration
	err     error
	done    chan call
}

func (r *stubRunner) Run(ctx context.Context, taskID int64, mode algorun.RunMode) error {
	r.mtx.Lock()
	if r.active == nil {
		r.active = map[int64]int{}
	}
	r.active[taskID]++
	if r.active[taskID] > 1 {
		r.overlap = true
	}
	r.calls = append(r.calls, call{taskID, mode})
	r.mtx.Unlock()
	time.Sleep(r.delay)
	r.mtx.Lock()
	r.active[taskID]--
	r.mtx.Unlock()
	if r.done != nil {
		r.done <- call{taskID, mode}
	}
	return r.err
}

func (s *suite) TestQueueOrder(c *check.C) {
	var q Queue
	for i, prio := range []int{5, 0, 5, 1, 0} {
		q.Enqueue(algorun.WorkerTaskRequest{Priority: prio, TaskID: int64(i)})
	}
	c.Check(q.Len(), check.Equals, 5)
	var got []int64
	for q.Len() > 0 {
		req, err := q.Next(context.Background())
		c.Assert(err, check.IsNil)
		got = append(got, req.TaskID)
	}
	// Lower priority first, then first come first served.
	c.Check(got, check.DeepEquals, []int64{1, 4, 3, 0, 2})
}

func (s *suite) TestQueueWait(c *check.C) {
	var q Queue
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	c.Check(err, check.Equals, context.DeadlineExceeded)

	got := make(chan int64)
	for i := 0; i < 3; i++ {
		go func() {
			req, err := q.Next(context.Background())
			if err == nil {
				got <- req.TaskID
			} else {
				got <- -1
			}
		}()
	}
	time.Sleep(time.Millisecond)
	q.Enqueue(algorun.WorkerTaskRequest{TaskID: 7})
	q.Enqueue(algorun.WorkerTaskRequest{TaskID: 8})
	seen := map[int64]bool{<-got: true, <-got: true}
	c.Check(seen, check.DeepEquals, map[int64]bool{7: true, 8: true})
	q.Close()
	c.Check(<-got, check.Equals, int64(-1))
}

func (s *suite) TestThrottle(c *check.C) {
	t := throttle{}
	ok, _ := t.Check(1)
	c.Check(ok, check.Equals, true)
	ok, _ = t.Check(1)
	c.Check(ok, check.Equals, true)

	t = throttle{hold: time.Minute}
	ok, _ = t.Check(1)
	c.Check(ok, check.Equals, true)
	ok, wait := t.Check(1)
	c.Check(ok, check.Equals, false)
	c.Check(wait > 59*time.Second, check.Equals, true)
	ok, _ = t.Check(2)
	c.Check(ok, check.Equals, true)
	t.seen[1] = time.Now().Add(-time.Hour)
	ok, _ = t.Check(1)
	c.Check(ok, check.Equals, true)
	ok, _ = t.Check(1)
	c.Check(ok, check.Equals, false)
}

func (s *suite) runPool(c *check.C, p *Pool) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		c.Check(<-done, check.Equals, context.Canceled)
	}
}

func (s *suite) TestPool(c *check.C) {
	runner := &stubRunner{delay: 10 * time.Millisecond, done: make(chan call, 100)}
	reg := prometheus.NewRegistry()
	p := &Pool{
		Queue:   &Queue{},
		Runner:  runner,
		Workers: 3,
		Logger:  ctxlog.TestLogger(c),
	}
	p.RegisterMetrics(reg)
	stop := s.runPool(c, p)

	// Two requests for task 1 must not run at once.
	for _, id := range []int64{1, 1, 2, 3} {
		p.Queue.Enqueue(algorun.WorkerTaskRequest{TaskID: id, RunMode: algorun.RunStandard})
	}
	for i := 0; i < 4; i++ {
		select {
		case <-runner.done:
		case <-time.After(5 * time.Second):
			c.Fatal("timed out")
		}
	}
	runner.mtx.Lock()
	c.Check(runner.overlap, check.Equals, false)
	c.Check(runner.calls, check.HasLen, 4)
	runner.mtx.Unlock()

	stop()
	var m dto.Metric
	c.Assert(p.mRequests.WithLabelValues("ok").Write(&m), check.IsNil)
	c.Check(m.GetCounter().GetValue(), check.Equals, float64(4))
}

func (s *suite) TestPoolMinRetryPeriod(c *check.C) {
	runner := &stubRunner{done: make(chan call, 100)}
	p := &Pool{
		Queue:          &Queue{},
		Runner:         runner,
		Workers:        2,
		MinRetryPeriod: 100 * time.Millisecond,
		Logger:         ctxlog.TestLogger(c),
	}
	stop := s.runPool(c, p)
	defer stop()

	t0 := time.Now()
	p.Queue.Enqueue(algorun.WorkerTaskRequest{TaskID: 1, RunMode: algorun.RunStandard})
	<-runner.done
	p.Queue.Enqueue(algorun.WorkerTaskRequest{TaskID: 1, RunMode: algorun.RunResubmit})
	got := <-runner.done
	c.Check(got.mode, check.Equals, algorun.RunResubmit)
	c.Check(time.Since(t0) >= 100*time.Millisecond, check.Equals, true)
}

func (s *suite) TestPoolError(c *check.C) {
	runner := &stubRunner{err: errors.New("oops")}
	var failed []algorun.WorkerTaskRequest
	p := &Pool{
		Queue:   &Queue{},
		Runner:  runner,
		OnError: func(req algorun.WorkerTaskRequest, err error) { failed = append(failed, req) },
		Logger:  ctxlog.TestLogger(c),
	}
	p.Queue.Enqueue(algorun.WorkerTaskRequest{TaskID: 4})
	p.Queue.Close()
	c.Check(p.Run(context.Background()), check.IsNil)
	c.Check(failed, check.DeepEquals, []algorun.WorkerTaskRequest{{TaskID: 4}})
}
