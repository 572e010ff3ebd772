// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpi"
	"github.com/grailbio/bigpi/group"
	"github.com/grailbio/bigpi/stats"
	"golang.org/x/sync/errgroup"
)

// BigmachineStatusGroup is the name of the status group that reports
// on the machines of a bigmachine session.
const BigmachineStatusGroup = "bigmachine"

const (
	// statTimeout is the maximum amount of time allowed to retrieve
	// machine stats.
	statTimeout = 5 * time.Second

	// maxContributeRetries is the number of times a rank retries
	// delivering its contribution to the root.
	maxContributeRetries = 5

	// maxDoneJobs is the number of completed jobs a machine remembers
	// in order to reject late contributions.
	maxDoneJobs = 1024
)

// retryPolicy is the policy used for retrying contributions to the
// root.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

func init() {
	gob.Register(&rankService{})
}

// bigmachineExecutor is an executor that runs each rank on its own
// bigmachine machine. Rank i is the i'th machine started; rank 0
// hosts the gather.
type bigmachineExecutor struct {
	system bigmachine.System

	sess *Session
	b    *bigmachine.B

	status *status.Group

	machinesOnce sync.Once
	machinesErr  error

	mu sync.Mutex
	// machines holds the group's machines, in rank order, once all of
	// them are running.
	machines []*rankMachine
}

// A rankMachine is a machine that serves a single rank.
type rankMachine struct {
	*bigmachine.Machine
	Rank   int
	Status *status.Task
}

func newBigmachineExecutor(system bigmachine.System) *bigmachineExecutor {
	return &bigmachineExecutor{system: system}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start starts the bigmachine, which does not return in worker
// processes. Machines are started on the first job.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group(BigmachineStatusGroup)
	}
	return b.b.Shutdown
}

// initMachines starts one machine per rank and waits for all of them
// to boot. The group is fixed once started: if any machine fails to
// start, the executor cannot run jobs.
func (b *bigmachineExecutor) initMachines() error {
	b.machinesOnce.Do(func() {
		var (
			ctx = context.Background()
			n   = b.sess.Ranks()
		)
		log.Printf("starting %d bigmachines for %d ranks", n, n)
		machines, err := b.b.Start(ctx, n, bigmachine.Services{
			"Rank": &rankService{},
		})
		if err != nil {
			b.machinesErr = err
			return
		}
		if len(machines) != n {
			b.machinesErr = errors.E(errors.Unavailable, fmt.Sprintf("started %d machines, need %d", len(machines), n))
			return
		}
		ranks := make([]*rankMachine, n)
		var g errgroup.Group
		for i := range machines {
			m := &rankMachine{Machine: machines[i], Rank: i}
			if b.status != nil {
				m.Status = b.status.Start()
				m.Status.Print("waiting for machine to boot")
			}
			ranks[i] = m
			g.Go(func() error {
				<-m.Wait(bigmachine.Running)
				if err := m.Err(); err != nil {
					log.Printf("machine %s (rank %d) failed to start: %v", m.Addr, m.Rank, err)
					m.printStatus("failed to start: %v", err)
					return errors.E(err, fmt.Sprintf("rank %d", m.Rank))
				}
				if m.Status != nil {
					m.Status.Title(fmt.Sprintf("rank %d: %s", m.Rank, m.Addr))
				}
				m.printStatus("running")
				log.Printf("machine %v (rank %d) is ready", m.Addr, m.Rank)
				return nil
			})
		}
		if b.machinesErr = g.Wait(); b.machinesErr != nil {
			return
		}
		b.mu.Lock()
		b.machines = ranks
		b.mu.Unlock()
	})
	return b.machinesErr
}

func (m *rankMachine) printStatus(format string, args ...interface{}) {
	if m.Status != nil {
		m.Status.Printf(format, args...)
	}
}

// Run runs the job by invoking Rank.Run on every machine
// concurrently. The root machine replies with the report once every
// rank has contributed. An error on any rank cancels the others.
func (b *bigmachineExecutor) Run(ctx context.Context, job Job) (*bigpi.Report, error) {
	if err := b.initMachines(); err != nil {
		return nil, err
	}
	var (
		machines = b.currentMachines()
		report   *bigpi.Report
		root     = machines[bigpi.Root]
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		req := rankRequest{
			Job:  job,
			Rank: m.Rank,
			Size: len(machines),
			Root: root.Addr,
		}
		g.Go(func() error {
			m.printStatus("%s: running", job)
			b.sess.tracer.Event(job, m.Rank, "B", "addr", m.Addr)
			var reply rankReply
			if err := m.Call(ctx, "Rank.Run", req, &reply); err != nil {
				b.sess.tracer.Event(job, m.Rank, "E", "error", err.Error())
				m.printStatus("%s: error: %v", job, err)
				return errors.E(err, fmt.Sprintf("rank %d (%s)", m.Rank, m.Addr))
			}
			b.sess.tracer.Event(job, m.Rank, "E")
			m.printStatus("%s: done", job)
			if m.Rank == bigpi.Root {
				report = reply.Report
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if report == nil {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("%s: root %s produced no report", job, root.Addr))
	}
	return report, nil
}

// Stats sums the counters of all machines.
func (b *bigmachineExecutor) Stats(ctx context.Context) (stats.Values, error) {
	total := make(stats.Values)
	machines := b.currentMachines()
	if len(machines) == 0 {
		return total, nil
	}
	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()
	var mu sync.Mutex
	err := traverse.Each(len(machines), func(i int) error {
		var (
			m    = machines[i]
			vals stats.Values
		)
		if err := m.Call(ctx, "Rank.Stats", struct{}{}, &vals); err != nil {
			log.Error.Printf("Rank.Stats %s: %v", m.Addr, err)
			return err
		}
		mu.Lock()
		total.Add(vals)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// currentMachines returns the group's machines, or nil if they have
// not been started.
func (b *bigmachineExecutor) currentMachines() []*rankMachine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machines
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// A rankRequest assigns a rank of a job to a machine.
type rankRequest struct {
	Job Job
	// Rank and Size describe the machine's place in the group.
	Rank, Size int
	// Root is the address of the root rank's machine.
	Root string
}

type rankReply struct {
	// Report is set only in the root's reply.
	Report *bigpi.Report
}

// A contribution is a rank's local count, delivered to the root.
type contribution struct {
	Job   uint64
	Rank  int
	Size  int
	Value float64
}

// A rankService is the bigmachine service that runs ranks. The root
// rank's service also hosts the gather of each job.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b     *bigmachine.B
	stats *stats.Map

	mu      sync.Mutex
	gathers map[uint64]*group.Gatherer
	// done holds the most recent jobs whose gathers have ended on
	// this machine; doneOrder lists them oldest first.
	done      map[uint64]bool
	doneOrder []uint64
}

func (s *rankService) Init(b *bigmachine.B) error {
	s.b = b
	s.stats = stats.NewMap()
	s.gathers = make(map[uint64]*group.Gatherer)
	s.done = make(map[uint64]bool)
	return nil
}

// Run runs the requested rank of a job. The root's Run returns once
// all ranks have contributed, replying with the report. When the
// root's Run returns, successfully or not, the job's gather is
// dropped.
func (s *rankService) Run(ctx context.Context, req rankRequest, reply *rankReply) error {
	if req.Rank == bigpi.Root {
		defer s.forget(req.Job.ID)
	}
	report, err := runRank(ctx, &machineGroup{s, req}, req.Job, s.stats)
	if err != nil {
		log.Error.Printf("%s: rank %d: %v", req.Job, req.Rank, err)
		return err
	}
	if report != nil {
		log.Printf("%s: gathered %d ranks: %.0f of %d inside, estimate %v",
			req.Job, report.Ranks, report.TotalCount, report.TotalTrials, report.Estimate)
	}
	reply.Report = report
	return nil
}

// Contribute deposits a rank's contribution in the job's gather. Like
// the gather itself, Contribute returns only once every rank of the
// job has contributed.
func (s *rankService) Contribute(ctx context.Context, c contribution, _ *struct{}) error {
	g, err := s.gatherer(c.Job, c.Size)
	if err != nil {
		return err
	}
	if err := g.Put(c.Rank, c.Value); err != nil {
		return err
	}
	_, err = g.Wait(ctx)
	return err
}

// Stats returns the machine's counters.
func (s *rankService) Stats(ctx context.Context, _ struct{}, vals *stats.Values) error {
	*vals = s.stats.Snapshot()
	return nil
}

// gatherer returns the gatherer for the provided job, creating it if
// necessary. Contributions to completed gathers are reported as
// duplicates.
func (s *rankService) gatherer(job uint64, size int) (*group.Gatherer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done[job] {
		return nil, errors.E(errors.Exists, fmt.Sprintf("job %016x: gather already completed", job))
	}
	g := s.gathers[job]
	if g == nil {
		if size <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("job %016x: invalid group size %d", job, size))
		}
		g = group.NewGatherer(size)
		s.gathers[job] = g
	}
	if g.Size() != size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("job %016x: group size %d, not %d", job, g.Size(), size))
	}
	return g, nil
}

// forget drops the job's gather and records the job as done.
func (s *rankService) forget(job uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.gathers, job)
	if s.done[job] {
		return
	}
	s.done[job] = true
	s.doneOrder = append(s.doneOrder, job)
	if len(s.doneOrder) > maxDoneJobs {
		delete(s.done, s.doneOrder[0])
		s.doneOrder = s.doneOrder[1:]
	}
}

// A machineGroup is a rank's view of a group whose members are
// bigmachine machines. Gathers are rooted at the machine at address
// Root, which must be the root rank.
type machineGroup struct {
	svc *rankService
	req rankRequest
}

func (g *machineGroup) Rank() int { return g.req.Rank }
func (g *machineGroup) Size() int { return g.req.Size }

func (g *machineGroup) Gather(ctx context.Context, root int, v float64) ([]float64, error) {
	if root != bigpi.Root {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("gather rooted at rank %d", root))
	}
	c := contribution{
		Job:   g.req.Job.ID,
		Rank:  g.req.Rank,
		Size:  g.req.Size,
		Value: v,
	}
	if g.req.Rank != root {
		return nil, g.contribute(ctx, c)
	}
	gatherer, err := g.svc.gatherer(c.Job, c.Size)
	if err != nil {
		return nil, err
	}
	defer g.svc.forget(c.Job)
	if err := gatherer.Put(c.Rank, c.Value); err != nil {
		return nil, err
	}
	return gatherer.Wait(ctx)
}

// contribute delivers c to the root, retrying on errors other than
// invalid or duplicate contributions. A duplicate reported on a retry
// means that an earlier attempt was delivered.
func (g *machineGroup) contribute(ctx context.Context, c contribution) error {
	for retries := 0; ; retries++ {
		root, err := g.svc.b.Dial(ctx, g.req.Root)
		if err == nil {
			err = root.Call(ctx, "Rank.Contribute", c, nil)
		}
		switch {
		case err == nil:
			return nil
		case retries > 0 && errors.Is(errors.Exists, err):
			return nil
		case ctx.Err() != nil, errors.Is(errors.Invalid, err), errors.Is(errors.Exists, err):
			return err
		case retries >= maxContributeRetries:
			return errors.E(err, fmt.Sprintf("rank %d: giving up contribution to %s", c.Rank, g.req.Root))
		}
		log.Error.Printf("%s: rank %d: contribute to %s (retry %d): %v", g.req.Job, c.Rank, g.req.Root, retries, err)
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return err
		}
	}
}
