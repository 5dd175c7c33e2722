package unique

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpillRoundTrip(t *testing.T) {
	s := newSpillStore(t.TempDir())
	defer s.reset()

	in := []element{
		{key: []byte("alpha"), count: 3},
		{key: []byte("beta"), count: 1},
		{key: []byte("gamma"), count: 7},
	}
	require.NoError(t, s.writeRun(in))
	require.NoError(t, s.writeRun(in[:1]))
	require.Len(t, s.runs, 2)

	out, err := s.readRun(s.runs[0])
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i := range in {
		assert.Equal(t, in[i].key, out[i].key)
		assert.Equal(t, in[i].count, out[i].count)
	}

	out, err = s.readRun(s.runs[1])
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("alpha"), out[0].key)
}

func TestSpillChecksumMismatch(t *testing.T) {
	s := newSpillStore(t.TempDir())
	defer s.reset()

	require.NoError(t, s.writeRun([]element{{key: []byte("corrupt-me"), count: 1}}))

	// 翻转压缩块里的一个字节
	b := make([]byte, 1)
	_, err := s.f.ReadAt(b, s.runs[0].Offset+runBlockHdr+2)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = s.f.WriteAt(b, s.runs[0].Offset+runBlockHdr+2)
	require.NoError(t, err)

	_, err = s.readRun(s.runs[0])
	assert.Error(t, err)
}

func TestSpillReset(t *testing.T) {
	s := newSpillStore(t.TempDir())
	require.NoError(t, s.writeRun([]element{{key: []byte("k"), count: 1}}))
	name := s.f.Name()
	require.NoError(t, s.reset())
	assert.Nil(t, s.f)
	assert.Empty(t, s.runs)
	assert.NoFileExists(t, name)

	// 复位后可以继续写
	require.NoError(t, s.writeRun([]element{{key: []byte("k2"), count: 2}}))
	require.NoError(t, s.reset())
}
