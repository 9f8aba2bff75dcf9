package net

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestFragmentFitsUnchanged(t *testing.T) {
	p := payloadOf(100)
	packets, err := Fragment(p, 1, 100)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, p, packets[0])
	assert.False(t, IsFragment(packets[0]))
}

func TestFragmentCount(t *testing.T) {
	for _, tc := range []struct{ size, max, want int }{
		{101, 100, 2},
		{200, 100, 2},
		{201, 100, 3},
		{16*1024*3 + 1, 16 * 1024, 4},
	} {
		packets, err := Fragment(payloadOf(tc.size), 9, tc.max)
		require.NoError(t, err)
		assert.Len(t, packets, tc.want, "size %d max %d", tc.size, tc.max)
		total := 0
		for _, p := range packets {
			require.True(t, IsFragment(p))
			assert.LessOrEqual(t, len(p)-FragmentHeaderSize, tc.max)
			total += len(p) - FragmentHeaderSize
		}
		assert.Equal(t, tc.size, total)
	}
}

func TestFragmentRejectsBadArgs(t *testing.T) {
	_, err := Fragment(payloadOf(10), 1, 0)
	assert.Error(t, err)
	_, err = Fragment(payloadOf(0x10000+1), 1, 1)
	assert.Error(t, err)
}

func TestReassembleAnyOrder(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	p := payloadOf(1000)
	packets, err := Fragment(p, 42, 64)
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		order := rnd.Perm(len(packets))
		r := NewReassembler(4)
		var out []byte
		for i, idx := range order {
			got, ok := r.Push(packets[idx])
			if i < len(order)-1 {
				assert.False(t, ok)
				continue
			}
			require.True(t, ok)
			out = got
		}
		assert.True(t, bytes.Equal(p, out))
		assert.Equal(t, 0, r.Pending())
	}
}

func TestReassembleMissingPartNeverCompletes(t *testing.T) {
	packets, err := Fragment(payloadOf(500), 3, 100)
	require.NoError(t, err)

	for missing := range packets {
		r := NewReassembler(4)
		for i, p := range packets {
			if i == missing {
				continue
			}
			_, ok := r.Push(p)
			assert.False(t, ok)
			// duplicates do not complete it either
			_, ok = r.Push(p)
			assert.False(t, ok)
		}
		assert.Equal(t, 1, r.Pending())
		err := r.Close()
		assert.True(t, errors.Is(err, ErrIncompleteReassembly))
	}
}

func TestReassemblePassThrough(t *testing.T) {
	r := NewReassembler(0)
	raw := []byte{0x20, 1, 2, 3}
	out, ok := r.Push(raw)
	assert.True(t, ok)
	assert.Equal(t, raw, out)

	// magic without a full header is a normal message
	short := []byte{fragMagic0, fragMagic1, 1}
	out, ok = r.Push(short)
	assert.True(t, ok)
	assert.Equal(t, short, out)
}

func TestReassembleDropsBadIndex(t *testing.T) {
	packets, err := Fragment(payloadOf(300), 5, 100)
	require.NoError(t, err)
	bad := append([]byte(nil), packets[0]...)
	bad[6], bad[7] = 9, 0 // index 9 of 3
	r := NewReassembler(4)
	_, ok := r.Push(bad)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Pending())
}

func TestReassemblerEvictsOldest(t *testing.T) {
	r := NewReassembler(2)
	for id := uint32(1); id <= 3; id++ {
		packets, err := Fragment(payloadOf(200), id, 100)
		require.NoError(t, err)
		_, ok := r.Push(packets[0])
		require.False(t, ok)
	}
	assert.Equal(t, 2, r.Pending())

	// message 1 was evicted, its second half starts a fresh entry
	first, err := Fragment(payloadOf(200), 1, 100)
	require.NoError(t, err)
	_, ok := r.Push(first[1])
	assert.False(t, ok)

	// message 3 is still complete-able
	third, err := Fragment(payloadOf(200), 3, 100)
	require.NoError(t, err)
	out, ok := r.Push(third[1])
	assert.True(t, ok)
	assert.Equal(t, payloadOf(200), out)
}

func TestReassemblerClosedDropsEverything(t *testing.T) {
	r := NewReassembler(4)
	assert.NoError(t, r.Close())
	packets, err := Fragment(payloadOf(200), 1, 100)
	require.NoError(t, err)
	for _, p := range packets {
		_, ok := r.Push(p)
		assert.False(t, ok)
	}
}

func TestMessageIDs(t *testing.T) {
	var ids MessageIDs
	a, b := ids.Next(), ids.Next()
	assert.NotEqual(t, a, b)
}
