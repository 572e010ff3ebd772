// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigpi"
)

func init() {
	config.Register("bigpi", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.ranks, "ranks", 1, "number of ranks in the process group")
		seed := int(bigpi.DefaultSeed)
		inst.IntVar(&seed, "seed", seed, "base seed; rank r samples with seed+r")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which ranks run; ranks run in-process if empty")
		inst.Doc = "bigpi configures the bigpi runtime"
		inst.New = func() (interface{}, error) {
			if sess.ranks <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bigpi.ranks: invalid number of ranks %d", sess.ranks))
			}
			sess.seed = int64(seed)
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
