package data

import (
	"github.com/pkg/errors"
)

// Dataset holds a whole IDX dataset with pixels scaled to [0,1].
type Dataset struct {
	Width, Height int
	Channels      int

	// Images is count x channels x height x width.
	Images []float32
	// Labels are class indices stored as floats, the form sent to workers.
	Labels []float32
	// RawLabels keeps the label bytes as read, for evaluation.
	RawLabels []uint8
}

// Load reads an IDX image/label pair: a header pass to size the buffers,
// then a fill pass.
func Load(imagesPath, labelsPath string) (*Dataset, error) {
	count, width, height, err := ReadUByteDataset(imagesPath, labelsPath, nil, nil)
	if err != nil {
		return nil, err
	}

	pixels := make([]uint8, count*width*height)
	labels := make([]uint8, count)
	n, _, _, err := ReadUByteDataset(imagesPath, labelsPath, pixels, labels)
	if err != nil {
		return nil, err
	}
	if n != count {
		return nil, errors.Wrapf(ErrSizeMismatch, "read %d examples, expected %d", n, count)
	}
	return FromBytes(width, height, pixels, labels), nil
}

// FromBytes builds a single-channel dataset from raw pixel and label bytes.
func FromBytes(width, height int, pixels, labels []uint8) *Dataset {
	d := &Dataset{
		Width:     width,
		Height:    height,
		Channels:  1,
		Images:    make([]float32, len(pixels)),
		Labels:    make([]float32, len(labels)),
		RawLabels: labels,
	}
	for i, p := range pixels {
		d.Images[i] = float32(p) / 255
	}
	for i, l := range labels {
		d.Labels[i] = float32(l)
	}
	return d
}

func (d *Dataset) Len() int       { return len(d.Labels) }
func (d *Dataset) SampleLen() int { return d.Channels * d.Width * d.Height }

// NumBatches returns how many whole batches of the given size fit.
func (d *Dataset) NumBatches(size int) int {
	if size <= 0 {
		return 0
	}
	return d.Len() / size
}

// Batch returns views of the images and labels of the index-th contiguous
// batch. The views alias the dataset and must not be modified.
func (d *Dataset) Batch(index, size int) (images, labels []float32) {
	start := index * size
	return d.Images[start*d.SampleLen() : (start+size)*d.SampleLen()], d.Labels[start : start+size]
}
