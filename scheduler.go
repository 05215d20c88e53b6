package editsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// serial dispatch loop. All engine work (surface notifications, transport
// receives, timer fires) runs on one goroutine, so the engine never needs
// local mutual exclusion. `PostTick` is the "run after the current
// propagation settles" barrier: tick jobs run only once the job queue has
// drained, including jobs enqueued while draining.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	update chan struct{}

	stateLock sync.Mutex
	jobs      []func()
	tickJobs  []func()
	closed    bool
}

func NewScheduler(ctx context.Context) *Scheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	scheduler := &Scheduler{
		ctx:    cancelCtx,
		cancel: cancel,
		update: make(chan struct{}, 1),
	}
	go scheduler.run()
	return scheduler
}

// enqueues a job on the loop. Jobs posted after close are dropped.
func (self *Scheduler) Post(job func()) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.jobs = append(self.jobs, job)
	self.stateLock.Unlock()

	select {
	case self.update <- struct{}{}:
	default:
	}
}

// enqueues a job to run on the next tick, after all currently queued and
// transitively enqueued jobs have run
func (self *Scheduler) PostTick(job func()) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.tickJobs = append(self.tickJobs, job)
	self.stateLock.Unlock()

	select {
	case self.update <- struct{}{}:
	default:
	}
}

// posts a job and waits for it to finish. Must not be called from the loop.
func (self *Scheduler) Call(job func()) {
	done := make(chan struct{})
	self.Post(func() {
		defer close(done)
		job()
	})
	select {
	case <-done:
	case <-self.ctx.Done():
	}
}

// arms a timer whose job runs on the loop. Returns a stop function.
// Timers that fire after close never run.
func (self *Scheduler) After(timeout time.Duration, job func()) func() {
	timer := time.AfterFunc(timeout, func() {
		self.Post(job)
	})
	return func() {
		timer.Stop()
	}
}

// drops all pending jobs and timers without running them
func (self *Scheduler) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.jobs = nil
	self.tickJobs = nil
	self.stateLock.Unlock()

	self.cancel()
}

func (self *Scheduler) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		var job func()
		self.stateLock.Lock()
		if len(self.jobs) == 0 && 0 < len(self.tickJobs) {
			// the current pass settled. Promote the next tick.
			self.jobs = self.tickJobs
			self.tickJobs = nil
		}
		if 0 < len(self.jobs) {
			job = self.jobs[0]
			self.jobs = self.jobs[1:]
		}
		self.stateLock.Unlock()

		if job == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-self.update:
			}
			continue
		}
		self.dispatch(job)
	}
}

func (self *Scheduler) dispatch(job func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[sched]recovered = %v\n", r)
		}
	}()
	job()
}
