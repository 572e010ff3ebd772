// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpi"
	"github.com/grailbio/bigpi/stats"
	"github.com/spaolacci/murmur3"
)

// Session represents a bigpi compute session. A session owns an
// executor, which provides the process group on which estimation jobs
// are run. The group is fixed for the lifetime of the session, so
// that successive jobs run on the same ranks.
//
// Some executors launch copies of the driver binary as workers. In
// those copies, Start does not return; the worker serves the ranks it
// is assigned instead. Start should therefore be called early in a
// program's main.
//
//	func main() {
//		sess := exec.Start(exec.Bigmachine(ec2system.System{}), exec.Ranks(16))
//		defer sess.Shutdown()
//		report, err := sess.Estimate(ctx, 1e7)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Print(report)
//	}
type Session struct {
	index    int32
	shutdown func()
	ranks    int
	seed     int64
	executor Executor
	status   *status.Status
	eventer  eventlog.Eventer

	tracePath string
	tracer    *tracer

	// jobs is the number of jobs started by the session; it is used
	// to derive job identifiers.
	jobs  uint64
	stats *stats.Map

	mu sync.Mutex
}

// An Executor provides a process group and runs estimation jobs on
// it. Each job is run once by every rank of the group.
type Executor interface {
	// Name returns a short description of the executor.
	Name() string

	// Start starts the executor. Start need not return: the bigmachine
	// executor uses Start as the entry point of worker processes.
	Start(*Session) (shutdown func())

	// Run runs the job on every rank of the executor's group and
	// returns the report produced by the root rank.
	Run(ctx context.Context, job Job) (*bigpi.Report, error)

	// Stats returns the counters accumulated by the executor's ranks.
	Stats(ctx context.Context) (stats.Values, error)

	// HandleDebug adds executor-specific debug handlers to the
	// provided http.ServeMux.
	HandleDebug(handler *http.ServeMux)
}

// A Job is a single estimation over a session's process group.
type Job struct {
	// ID identifies the job among all jobs run on the group. It is
	// assigned by the session.
	ID uint64
	// Trials is the number of points sampled by each rank.
	Trials int64
	// Seed is the base seed; rank r samples with Seed+r.
	Seed int64
}

func (j Job) String() string {
	return fmt.Sprintf("job %016x", j.ID)
}

func newSession() *Session {
	return &Session{
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		seed:    bigpi.DefaultSeed,
		eventer: eventlog.Nop{},
		stats:   stats.NewMap(),
		tracer:  newTracer(),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the in-process executor: each rank
// runs in its own goroutine.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. Each rank runs on its own
// machine.
func Bigmachine(system bigmachine.System) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system)
	}
}

// Ranks configures the size of the session's process group.
func Ranks(n int) Option {
	if n <= 0 {
		panic("exec.Ranks: n <= 0")
	}
	return func(s *Session) {
		s.ranks = n
	}
}

// Seed configures the base seed used by Estimate.
func Seed(seed int64) Option {
	return func(s *Session) {
		s.seed = seed
	}
}

// Status configures the session with a status object to which job
// and machine statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace of the session's
// jobs is written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// nextSessionIndex is the index of the next session that will be
// started by Start.
var nextSessionIndex int32

// Start creates and starts a new bigpi session, configuring it
// according to the provided options. If no executor is configured,
// the session runs its ranks in-process; if no group size is
// configured, the group has a single rank.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.ranks == 0 {
		s.ranks = 1
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigpi:sessionStart",
		"executorType", s.executor.Name(),
		"ranks", s.ranks,
		"seed", s.seed)
}

// Estimate runs a job in which every rank samples trials points with
// the session's seed, and returns the root's report.
func (s *Session) Estimate(ctx context.Context, trials int64) (*bigpi.Report, error) {
	return s.Run(ctx, Job{Trials: trials, Seed: s.seed})
}

// Run runs the provided job on every rank of the session's group. Run
// returns the report of the root rank once the gather has completed,
// or an error. The job's ID is assigned by Run. No partial results are
// returned: if any rank fails, Run fails.
func (s *Session) Run(ctx context.Context, job Job) (*bigpi.Report, error) {
	if job.Trials < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Run: negative trial count %d", job.Trials))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job.ID = s.jobID(job)
	var task *status.Task
	if s.status != nil {
		task = s.status.Group("jobs").Start(job)
		task.Printf("%d ranks x %d trials", s.ranks, job.Trials)
	}
	log.Printf("%s: starting on %d ranks (%s executor), %d trials per rank", job, s.ranks, s.executor.Name(), job.Trials)
	s.tracer.Event(job, driver, "B", "trials", job.Trials, "seed", job.Seed)
	report, err := s.executor.Run(ctx, job)
	s.stats.Int(stats.Jobs).Add(1)
	if err != nil {
		s.tracer.Event(job, driver, "E", "error", err.Error())
		log.Error.Printf("%s: %v", job, err)
		if task != nil {
			task.Printf("error: %v", err)
			task.Done()
		}
		return nil, err
	}
	s.tracer.Event(job, driver, "E", "estimate", report.Estimate)
	log.Printf("%s: estimate %v (error %v)", job, report.Estimate, report.AbsError)
	if task != nil {
		task.Printf("estimate %v", report.Estimate)
		task.Done()
	}
	s.eventer.Event("bigpi:jobDone",
		"ranks", report.Ranks,
		"totalTrials", report.TotalTrials,
		"estimate", report.Estimate)
	return report, nil
}

// jobID derives an identifier for a job from the session and the
// job's sequence number and parameters.
func (s *Session) jobID(job Job) uint64 {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(s.index))
	binary.LittleEndian.PutUint64(b[8:], atomic.AddUint64(&s.jobs, 1))
	binary.LittleEndian.PutUint64(b[16:], uint64(job.Trials))
	binary.LittleEndian.PutUint64(b[24:], uint64(job.Seed))
	return murmur3.Sum64(b[:])
}

// Stats returns the counters of the session and its ranks.
func (s *Session) Stats(ctx context.Context) (stats.Values, error) {
	vals, err := s.executor.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s.stats.AddAll(vals)
	return vals, nil
}

// Ranks returns the size of the session's process group.
func (s *Session) Ranks() int {
	return s.ranks
}

// Seed returns the session's base seed.
func (s *Session) Seed() int64 {
	return s.seed
}

// Shutdown tears down resources associated with this session. For
// bigmachine sessions, this stops all machines.
func (s *Session) Shutdown() {
	s.mu.Lock()
	shutdown := s.shutdown
	s.shutdown = nil
	s.mu.Unlock()
	if shutdown == nil {
		return
	}
	shutdown()
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers diagnostic http endpoints on the provided
// ServeMux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := s.tracer.Marshal(w); err != nil {
			log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
		}
	})
}
