// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigpi/exec"
	"github.com/grailbio/bigpi/stats"
)

const progressInterval = 500 * time.Millisecond

// showProgress displays on w a progress bar of the samples drawn by
// all ranks of the session, out of total. The returned func draws the
// final bar and stops the display.
func showProgress(ctx context.Context, sess *exec.Session, total int64, w io.Writer) (stop func()) {
	bar := pb.New64(total)
	bar.SetWriter(w)
	bar.Start()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			vals, err := sess.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error.Printf("progress: %v", err)
				}
				continue
			}
			bar.SetCurrent(vals[stats.Samples])
		}
	}()
	return func() {
		cancel()
		<-done
		bar.SetCurrent(total)
		bar.Finish()
	}
}
