package analyze

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sscafiti/blkclone/internal/blockmap"
	"github.com/sscafiti/blkclone/internal/errs"
)

type memSource []byte

func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, nil
	}
	return copy(p, m[off:]), nil
}

func (m memSource) Size() int64 { return int64(len(m)) }

func fakeModule(name string, probeLen int, match byte) *Module {
	return &Module{
		Name:     name,
		ProbeLen: probeLen,
		Recognize: func(probe []byte) bool {
			return len(probe) > 0 && probe[0] == match
		},
		Analyze: func(src Source, w *blockmap.Writer, _ string) error {
			h := &blockmap.Header{}
			h.Set("Type", name)
			if err := w.WriteHeader(h); err != nil {
				return err
			}
			return w.WriteEnd()
		},
	}
}

func TestDetectByNameBypassesRecognize(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeModule("A", 1, 0xAA))
	r.Register(fakeModule("B", 1, 0xBB))

	m, err := r.Detect(memSource{0xFF}, "b")
	require.NoError(t, err)
	require.Equal(t, "B", m.Name)
}

func TestDetectUnknownNameFails(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeModule("A", 1, 0xAA))

	_, err := r.Detect(memSource{0xAA}, "ZZZ")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.ArgumentError, e.Kind)
}

func TestDetectAutoByRecognize(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeModule("A", 1, 0xAA))
	r.Register(fakeModule("B", 1, 0xBB))

	m, err := r.Detect(memSource{0xBB}, "")
	require.NoError(t, err)
	require.Equal(t, "B", m.Name)
}

func TestDetectNoneRecognizeAggregatesReasons(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeModule("A", 1, 0xAA))
	r.Register(fakeModule("B", 1, 0xBB))

	_, err := r.Detect(memSource{0xCC}, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "A")
	require.Contains(t, err.Error(), "B")
}

func TestRunDispatchesToAnalyze(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeModule("A", 1, 0xAA))

	var buf bytes.Buffer
	err := r.Run(memSource{0xAA}, "", "", blockmap.NewWriter(&buf))
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Type: A")
}
