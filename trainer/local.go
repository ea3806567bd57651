package trainer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/b0tShaman/lenet-consensus/comm"
)

// RunLocal runs the coordinator and cfg.Workers workers as goroutines of
// this process. The first rank to fail shuts the group down.
func RunLocal(ctx context.Context, cfg Config, logger hclog.Logger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.New().String()
	world := comm.NewWorld(cfg.Workers + 1)
	defer world.Close()

	var (
		wg   sync.WaitGroup
		res  *Result
		errs = make([]error, cfg.Workers+1)
	)
	fail := func(rank int, err error) {
		if err != nil {
			errs[rank] = err
			world.Close()
		}
	}

	wg.Add(cfg.Workers + 1)
	go func() {
		defer wg.Done()
		var err error
		res, err = NewCoordinator(cfg, runID, logger).Run(ctx, world.Comm(0))
		fail(0, err)
	}()
	for r := 1; r <= cfg.Workers; r++ {
		go func(r int) {
			defer wg.Done()
			_, err := NewWorker(cfg, logger).Run(world.Comm(r), runID)
			fail(r, err)
		}(r)
	}
	wg.Wait()

	if err := rootCause(errs); err != nil {
		return nil, err
	}
	return res, nil
}

// rootCause picks the first error that did not merely observe the group
// being shut down.
func rootCause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, comm.ErrClosed) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}
