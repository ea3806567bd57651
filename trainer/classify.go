package trainer

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/b0tShaman/lenet-consensus/data"
	"github.com/b0tShaman/lenet-consensus/ml"
)

// candidates is how many ranked classes ClassifyImage logs.
const candidates = 3

// ClassifyImage loads the saved weights from cfg.WeightsDir and returns the
// most probable class of one image file along with its probability.
func ClassifyImage(cfg Config, path string, logger hclog.Logger) (int, float32, error) {
	backend, err := ml.NewBackend(cfg.Device)
	if err != nil {
		return 0, 0, exitError(ExitInvalidDevice, err)
	}
	nw, err := ml.NewNetwork(ml.LeNet(1, cfg.ImageWidth, cfg.ImageHeight))
	if err != nil {
		return 0, 0, err
	}
	if err := nw.LoadFromDir(cfg.WeightsDir); err != nil {
		return 0, 0, errors.Wrap(err, "classification needs saved weights")
	}

	ctx, err := ml.NewContext(backend, nw, 1)
	if err != nil {
		return 0, 0, err
	}
	pixels, err := data.LoadImage(path, cfg.ImageWidth, cfg.ImageHeight, cfg.Invert)
	if err != nil {
		return 0, 0, err
	}

	params := nw.Params()
	preds, err := ml.ClassifyTopK(ctx, &params, pixels, candidates, ml.NewWorkspace(ctx.WorkspaceSize()))
	if err != nil {
		return 0, 0, err
	}
	for i, p := range preds[1:] {
		logger.Debug("runner-up", "place", i+2, "class", p.Class, "probability", p.Prob)
	}
	logger.Info("classified image", "path", path, "class", preds[0].Class, "probability", preds[0].Prob)
	return preds[0].Class, preds[0].Prob, nil
}
