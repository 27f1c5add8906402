// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.algorun.org/algorun.git/sdk/go/algorun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Runner runs the state machine for one task.
type Runner interface {
	Run(ctx context.Context, taskID int64, mode algorun.RunMode) error
}

// Pool takes requests from Queue and runs them with Runner, at most
// Workers at a time. Requests for a task that is already being
// processed wait until it is done.
type Pool struct {
	Queue   *Queue
	Runner  Runner
	Workers int
	// Minimum time between two attempts to process the same
	// task. Requests that arrive sooner are delayed.
	MinRetryPeriod time.Duration
	// If not nil, called with the error returned by Runner.
	OnError func(algorun.WorkerTaskRequest, error)
	Logger  logrus.FieldLogger

	setupOnce sync.Once
	throttle  throttle
	mtx       sync.Mutex
	running   map[int64]bool
	deferred  map[int64]algorun.WorkerTaskRequest
	timers    sync.WaitGroup

	mRequests *prometheus.CounterVec
	mBusy     prometheus.Gauge
}

func (p *Pool) setup() {
	p.throttle.hold = p.MinRetryPeriod
	p.running = map[int64]bool{}
	p.deferred = map[int64]algorun.WorkerTaskRequest{}
	if p.mRequests == nil {
		p.RegisterMetrics(nil)
	}
}

// RegisterMetrics creates the pool's metrics and registers them with
// reg. It must be called before Run, if at all.
func (p *Pool) RegisterMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "algorun",
		Subsystem: "worker",
		Name:      "requests_total",
		Help:      "Number of task requests taken from the queue, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(p.mRequests)
	p.mBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "algorun",
		Subsystem: "worker",
		Name:      "busy",
		Help:      "Number of workers running a task.",
	})
	reg.MustRegister(p.mBusy)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "algorun",
		Subsystem: "worker",
		Name:      "queue_length",
		Help:      "Number of task requests waiting for a worker.",
	}, func() float64 { return float64(p.Queue.Len()) }))
}

// Run processes requests until ctx is cancelled or the queue is
// closed.
func (p *Pool) Run(ctx context.Context) error {
	p.setupOnce.Do(p.setup)
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		logger := p.Logger.WithField("Worker", i)
		eg.Go(func() error {
			for {
				req, err := p.Queue.Next(ctx)
				if errors.Is(err, ErrQueueClosed) {
					return nil
				} else if err != nil {
					return err
				}
				p.handle(ctx, logger, req)
			}
		})
	}
	err := eg.Wait()
	p.timers.Wait()
	return err
}

// Idle reports whether no requests are queued or running.
func (p *Pool) Idle() bool {
	p.setupOnce.Do(p.setup)
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.running) == 0 && p.Queue.Len() == 0
}

func (p *Pool) handle(ctx context.Context, logger logrus.FieldLogger, req algorun.WorkerTaskRequest) {
	logger = logger.WithFields(logrus.Fields{
		"InstanceID": req.InstanceID,
		"TaskID":     req.TaskID,
		"RunMode":    req.RunMode,
	})
	p.mtx.Lock()
	if p.running[req.TaskID] {
		logger.Debug("task is busy, deferring request")
		p.deferred[req.TaskID] = req
		p.mtx.Unlock()
		p.mRequests.WithLabelValues("deferred").Inc()
		return
	}
	if ok, wait := p.throttle.Check(req.TaskID); !ok {
		p.mtx.Unlock()
		logger.WithField("Wait", wait.String()).Info("retrying too soon, delaying request")
		p.mRequests.WithLabelValues("throttled").Inc()
		p.delay(ctx, req, wait)
		return
	}
	p.running[req.TaskID] = true
	p.mtx.Unlock()

	p.mBusy.Inc()
	err := p.Runner.Run(ctx, req.TaskID, req.RunMode)
	p.mBusy.Dec()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		logger.WithError(err).Warn("task request failed")
		if p.OnError != nil {
			p.OnError(req, err)
		}
	}
	p.mRequests.WithLabelValues(outcome).Inc()

	p.mtx.Lock()
	delete(p.running, req.TaskID)
	next, ok := p.deferred[req.TaskID]
	delete(p.deferred, req.TaskID)
	p.mtx.Unlock()
	if ok {
		p.Queue.Enqueue(next)
	}
}

func (p *Pool) delay(ctx context.Context, req algorun.WorkerTaskRequest, wait time.Duration) {
	p.timers.Add(1)
	go func() {
		defer p.timers.Done()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			p.Queue.Enqueue(req)
		}
	}()
}
