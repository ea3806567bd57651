package data

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

var (
	ErrEmptyDataset = errors.New("empty or unreadable dataset")
	ErrSizeMismatch = errors.New("dataset size mismatch")
)

// IDX magic numbers (unsigned byte payloads).
const (
	imagesMagic = 0x00000803
	labelsMagic = 0x00000801
)

// ReadUByteDataset reads an IDX image file and its matching label file.
//
// With nil buffers only the headers are read and the example count and image
// size are returned, so the caller can size its buffers. Otherwise images must
// hold count*width*height bytes and labels count bytes, and both are filled.
// A zero count is always reported together with ErrEmptyDataset.
func ReadUByteDataset(imagesPath, labelsPath string, images, labels []uint8) (count, width, height int, err error) {
	fi, err := openIDX(imagesPath)
	if err != nil {
		return 0, 0, 0, err
	}
	defer fi.Close()

	fl, err := openIDX(labelsPath)
	if err != nil {
		return 0, 0, 0, err
	}
	defer fl.Close()

	// 1. Headers
	var ih [4]uint32
	if err := binary.Read(fi, binary.BigEndian, &ih); err != nil {
		return 0, 0, 0, errors.Wrapf(ErrEmptyDataset, "%s header: %v", imagesPath, err)
	}
	var lh [2]uint32
	if err := binary.Read(fl, binary.BigEndian, &lh); err != nil {
		return 0, 0, 0, errors.Wrapf(ErrEmptyDataset, "%s header: %v", labelsPath, err)
	}
	if ih[0] != imagesMagic {
		return 0, 0, 0, errors.Wrapf(ErrEmptyDataset, "%s: bad magic %#x", imagesPath, ih[0])
	}
	if lh[0] != labelsMagic {
		return 0, 0, 0, errors.Wrapf(ErrEmptyDataset, "%s: bad magic %#x", labelsPath, lh[0])
	}
	if ih[1] != lh[1] {
		return 0, 0, 0, errors.Wrapf(ErrSizeMismatch, "%d images but %d labels", ih[1], lh[1])
	}

	count, height, width = int(ih[1]), int(ih[2]), int(ih[3])
	if count == 0 || width == 0 || height == 0 {
		return 0, 0, 0, errors.Wrapf(ErrEmptyDataset, "%s holds %d images of %dx%d", imagesPath, count, width, height)
	}
	if images == nil && labels == nil {
		return count, width, height, nil
	}

	// 2. Payload
	if len(images) != count*width*height || len(labels) != count {
		return 0, 0, 0, errors.Wrapf(ErrSizeMismatch, "buffers for %d/%d bytes, files hold %d images of %dx%d",
			len(images), len(labels), count, width, height)
	}
	if _, err := io.ReadFull(fi, images); err != nil {
		return 0, 0, 0, errors.Wrapf(ErrSizeMismatch, "%s: %v", imagesPath, err)
	}
	if _, err := io.ReadFull(fl, labels); err != nil {
		return 0, 0, 0, errors.Wrapf(ErrSizeMismatch, "%s: %v", labelsPath, err)
	}
	return count, width, height, nil
}

type idxFile struct {
	io.Reader
	closers []io.Closer
}

func (f *idxFile) Close() error {
	var first error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openIDX opens a plain or gzip-compressed IDX file.
func openIDX(path string) (*idxFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrEmptyDataset, "%v", err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(ErrEmptyDataset, "%s: %v", path, err)
		}
		return &idxFile{Reader: zr, closers: []io.Closer{f, zr}}, nil
	}
	return &idxFile{Reader: br, closers: []io.Closer{f}}, nil
}
