package ml

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Weight files are raw little-endian float32 dumps: <prefix>.bin holds the
// weights and <prefix>.bias.bin the bias vector.

const (
	weightsExt = ".bin"
	biasExt    = ".bias.bin"
)

// File prefixes of the four weighted layers.
const (
	Conv1Prefix = "conv1"
	Conv2Prefix = "conv2"
	FC1Prefix   = "ip1"
	FC2Prefix   = "ip2"
)

// -------- LAYER I/O -------- //

func (l *ConvLayer) ToFile(prefix string) error {
	return saveTensorPair(prefix, l.Weights, l.Bias)
}

func (l *ConvLayer) FromFile(prefix string) error {
	return loadTensorPair(prefix, l.Weights, l.Bias)
}

func (l *FCLayer) ToFile(prefix string) error {
	return saveTensorPair(prefix, l.Weights, l.Bias)
}

func (l *FCLayer) FromFile(prefix string) error {
	return loadTensorPair(prefix, l.Weights, l.Bias)
}

// -------- NETWORK I/O -------- //

// SaveToDir writes all four weighted layers into dir.
func (nw *Network) SaveToDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating weights directory %s", dir)
	}
	if err := nw.Conv1.ToFile(filepath.Join(dir, Conv1Prefix)); err != nil {
		return err
	}
	if err := nw.Conv2.ToFile(filepath.Join(dir, Conv2Prefix)); err != nil {
		return err
	}
	if err := nw.FC1.ToFile(filepath.Join(dir, FC1Prefix)); err != nil {
		return err
	}
	return nw.FC2.ToFile(filepath.Join(dir, FC2Prefix))
}

// LoadFromDir reads all four weighted layers from dir. The network is only
// modified when every file was read successfully.
func (nw *Network) LoadFromDir(dir string) error {
	staged := nw.NewParamSet()
	stage := []struct {
		prefix string
		w, b   ParamID
	}{
		{Conv1Prefix, Conv1Weights, Conv1Bias},
		{Conv2Prefix, Conv2Weights, Conv2Bias},
		{FC1Prefix, FC1Weights, FC1Bias},
		{FC2Prefix, FC2Weights, FC2Bias},
	}

	// --- VALIDATION STEP ---
	for _, s := range stage {
		if err := loadTensorPair(filepath.Join(dir, s.prefix), staged[s.w], staged[s.b]); err != nil {
			return err
		}
	}

	// --- APPLICATION STEP ---
	params := nw.Params()
	return params.CopyFrom(&staged)
}

// ------ UTILITY FUNCTIONS ------

func saveTensorPair(prefix string, weights, bias []float32) error {
	if err := writeFloats(prefix+weightsExt, weights); err != nil {
		return err
	}
	return writeFloats(prefix+biasExt, bias)
}

func loadTensorPair(prefix string, weights, bias []float32) error {
	if err := readFloats(prefix+weightsExt, weights); err != nil {
		return err
	}
	return readFloats(prefix+biasExt, bias)
}

func writeFloats(path string, v []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s for writing", path)
	}

	w := bufio.NewWriter(f)
	var buf [4]byte
	for _, x := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
		if _, err := w.Write(buf[:]); err != nil {
			f.Close()
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(f.Close(), "closing %s", path)
}

// readFloats fills dst from path. The file must hold exactly len(dst) values.
func readFloats(path string, dst []float32) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if info.Size() != int64(4*len(dst)) {
		return errors.Errorf("%s holds %d bytes, expected %d", path, info.Size(), 4*len(dst))
	}

	r := bufio.NewReader(f)
	var buf [4]byte
	for i := range dst {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
	}
	return nil
}
