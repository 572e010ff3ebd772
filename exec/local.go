// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigpi"
	"github.com/grailbio/bigpi/group"
	"github.com/grailbio/bigpi/stats"
	"golang.org/x/sync/errgroup"
)

// localExecutor is an executor that runs each rank in-process in
// its own goroutine. Ranks gather through a group.Local.
type localExecutor struct {
	sess  *Session
	stats *stats.Map
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{stats: stats.NewMap()}
}

func (*localExecutor) Name() string {
	return "local"
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return func() {}
}

// Run runs every rank of the job concurrently. If a rank fails, the
// remaining ranks' gathers are canceled.
func (l *localExecutor) Run(ctx context.Context, job Job) (*bigpi.Report, error) {
	var (
		members = group.Local(l.sess.Ranks())
		reports = make([]*bigpi.Report, len(members))
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := range members {
		i := i
		g.Go(func() (err error) {
			l.sess.tracer.Event(job, i, "B")
			reports[i], err = runRank(ctx, members[i], job, l.stats)
			if err != nil {
				l.sess.tracer.Event(job, i, "E", "error", err.Error())
			} else {
				l.sess.tracer.Event(job, i, "E")
			}
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if reports[bigpi.Root] == nil {
		return nil, errors.E(errors.Fatal, "exec.Local: root rank produced no report")
	}
	return reports[bigpi.Root], nil
}

func (l *localExecutor) Stats(context.Context) (stats.Values, error) {
	return l.stats.Snapshot(), nil
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
