package trainer

import (
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/b0tShaman/lenet-consensus/ml"
)

// CheckpointDir is where checkpoints land inside the weights directory.
const CheckpointDir = "checkpoint"

// checkpointer turns a cron schedule into requests that the coordinator
// honours at the next iteration boundary, when no residual is in flight.
type checkpointer struct {
	cron *cron.Cron
	due  atomic.Bool
}

func newCheckpointer(spec string) (*checkpointer, error) {
	c := &checkpointer{cron: cron.New(cron.WithParser(cronParser))}
	if _, err := c.cron.AddFunc(spec, c.request); err != nil {
		return nil, errors.Wrapf(err, "checkpoint schedule %q", spec)
	}
	c.cron.Start()
	return c, nil
}

func (c *checkpointer) request() { c.due.Store(true) }

// Due reports and clears a pending request. A nil checkpointer is never due.
func (c *checkpointer) Due() bool {
	return c != nil && c.due.Swap(false)
}

func (c *checkpointer) Stop() {
	if c != nil {
		<-c.cron.Stop().Done()
	}
}

// saveParams writes p through nw's layer files into dir.
func saveParams(nw *ml.Network, p *ml.ParamSet, dir string) error {
	params := nw.Params()
	if err := params.CopyFrom(p); err != nil {
		return err
	}
	return errors.Wrapf(nw.SaveToDir(dir), "saving weights to %s", dir)
}

func checkpointPath(weightsDir string) string {
	return filepath.Join(weightsDir, CheckpointDir)
}
