package erofs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAccessor(t *testing.T) {
	for _, tc := range []struct {
		addr, bits uint64
		want       Accessor
	}{
		{0, 12, Accessor{Base: 0, Off: 0, Len: 4096, Nr: 0}},
		{4095, 12, Accessor{Base: 0, Off: 4095, Len: 1, Nr: 0}},
		{4096, 12, Accessor{Base: 4096, Off: 0, Len: 4096, Nr: 1}},
		{1000, 9, Accessor{Base: 512, Off: 488, Len: 24, Nr: 1}},
		{1 << 40, 16, Accessor{Base: 1 << 40, Off: 0, Len: 65536, Nr: 1 << 24}},
	} {
		got := NewAccessor(tc.addr, tc.bits)
		assert.Equal(t, tc.want, got, "NewAccessor(%d, %d)", tc.addr, tc.bits)
		assert.Equal(t, tc.addr, got.Base+got.Off)
		assert.Equal(t, uint64(1)<<tc.bits, got.Off+got.Len)
	}
}

func TestRound(t *testing.T) {
	assert.Equal(t, uint64(0), roundUp(0, 12))
	assert.Equal(t, uint64(12), roundUp(1, 12))
	assert.Equal(t, uint64(24), roundUp(24, 12))
	assert.Equal(t, uint64(8192), roundUp(4097, 4096))
	assert.Equal(t, uint64(12), roundDown(23, 12))
	assert.Equal(t, uint64(4096), roundDown(8191, 4096))
}
