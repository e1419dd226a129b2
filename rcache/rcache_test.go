package rcache

import (
	"testing"

	"github.com/amrmurad1/smackblob/recordkey"
	"github.com/stretchr/testify/require"
)

func k(b byte) recordkey.Key { return recordkey.New([]byte{b}) }

func TestFindOutsideRange(t *testing.T) {
	s := New()
	s.Add(k(10), 100)
	_, ok := Find(s, k(1), k(5), k(20), 1000)
	require.False(t, ok)
	_, ok = Find(s, k(25), k(5), k(20), 1000)
	require.False(t, ok)
}

func TestFindUpperBound(t *testing.T) {
	s := New()
	s.Add(k(10), 100)
	s.Add(k(20), 200)
	s.Add(k(30), 300)

	off, ok := Find(s, k(15), k(5), k(35), 1000)
	require.True(t, ok)
	require.Equal(t, uint64(200), off)

	off, ok = Find(s, k(10), k(5), k(35), 1000)
	require.True(t, ok)
	require.Equal(t, uint64(200), off, "exact hit on an indexed key still bounds by next entry")
}

func TestFindBeyondLastEntryWithinRange(t *testing.T) {
	s := New()
	s.Add(k(10), 100)
	off, ok := Find(s, k(15), k(5), k(20), 999)
	require.True(t, ok)
	require.Equal(t, uint64(999), off)
}

func TestStepDensity(t *testing.T) {
	require.Equal(t, 10, Step(100, 10))
	require.Equal(t, 1, Step(5, 10))
	require.Equal(t, 1, Step(0, 10))
}

func TestSparsitySatisfiesBudget(t *testing.T) {
	num := 997
	budget := 50
	step := Step(num, budget)
	s := New()
	for i := 0; i < num; i += step {
		s.Add(k(byte(i%256)), uint64(i))
	}
	require.LessOrEqual(t, s.Len(), num/step+1)
}
