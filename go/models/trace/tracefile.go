package trace

import (
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models"
)

var TRACE_MAGIC = "CCTR"

const TRACE_VERSION = 1

type TraceHeader struct {
	// MAGIC ("CCTR")
	Magic   string `struc:"[4]byte"`
	Version uint32
	// machine shape the trace was recorded on
	CPUs      uint32
	KernelMem uint64
	CapSlots  uint32
}

// TraceWriter serializes ops from every core into one compressed stream.
type TraceWriter struct {
	sync.Mutex
	w  io.WriteCloser
	zw *snappy.Writer
}

func NewWriter(w io.WriteCloser, c *models.Config) (*TraceWriter, error) {
	header := &TraceHeader{
		Magic:     TRACE_MAGIC,
		Version:   TRACE_VERSION,
		CPUs:      uint32(c.CPUs),
		KernelMem: uint64(c.KernelMem),
		CapSlots:  uint32(c.CapSlots),
	}
	if err := struc.Pack(w, header); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &TraceWriter{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

func (t *TraceWriter) Pack(op models.Op) error {
	buf := make([]byte, op.Sizeof())
	op.Pack(buf)
	t.Lock()
	defer t.Unlock()
	_, err := t.zw.Write(buf)
	return err
}

func (t *TraceWriter) Close() error {
	t.Lock()
	defer t.Unlock()
	if err := t.zw.Close(); err != nil {
		t.w.Close()
		return err
	}
	return t.w.Close()
}

type TraceReader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header TraceHeader
}

func NewReader(r io.ReadCloser) (*TraceReader, error) {
	t := &TraceReader{r: r}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.New("invalid trace file magic")
	}
	if t.Header.Version != TRACE_VERSION {
		return nil, errors.Errorf("unsupported trace version %d", t.Header.Version)
	}
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns io.EOF at the end of the stream.
func (t *TraceReader) Next() (models.Op, error) {
	op, _, err := Unpack(t.zr)
	return op, err
}

func (t *TraceReader) Close() {
	t.zr.Reset(nil)
	t.r.Close()
}
