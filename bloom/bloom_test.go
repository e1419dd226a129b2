package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1024, DefaultHashCount)
	keys := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		keys = append(keys, k)
		f.Add(k)
	}
	for _, k := range keys {
		require.True(t, f.Check(k), "bloom filter must never false-negative")
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	f := New(256, DefaultHashCount)
	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))

	restored := FromBytes(f.Bytes(), DefaultHashCount)
	require.True(t, restored.Check([]byte("alpha")))
	require.True(t, restored.Check([]byte("beta")))
}

func TestMostlyNoFalsePositives(t *testing.T) {
	f := New(4096, DefaultHashCount)
	for i := 0; i < 200; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if f.Check([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, 50, "false positive rate should stay low with this size/k")
}
