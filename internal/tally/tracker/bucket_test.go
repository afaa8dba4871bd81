package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally.lopezb.com/internal/tally/hyperloglog"
)

func testBucket(t *testing.T, p uint8, all, fresh int) Bucket {
	t.Helper()

	b := Bucket{}
	var err error

	b.All, err = hyperloglog.New(hyperloglog.WithPrecision(p))
	require.NoError(t, err)
	b.Fresh, err = hyperloglog.New(hyperloglog.WithPrecision(p))
	require.NoError(t, err)

	for i := 0; i < all; i++ {
		b.All.Add(id(i))
		if i < fresh {
			b.Fresh.Add(id(i))
		}
	}

	return b
}

func TestBucket_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 10, 5000} {
		b := testBucket(t, 12, n, n/2)

		data := EncodeBucket(b)
		assert.True(t, HasBucketMagic(data))

		got, err := DecodeBucket(data)
		require.NoError(t, err)

		// Re-encoding is bit-for-bit stable. Counting refreshes the cached
		// cardinality in the header, so compare before any Count.
		assert.Equal(t, data, EncodeBucket(got))

		assert.Equal(t, b.All.Registers(), got.All.Registers())
		assert.Equal(t, b.Fresh.Registers(), got.Fresh.Registers())
		assert.Equal(t, b.Counts("day:2026-10-18"), got.Counts("day:2026-10-18"))
	}
}

func TestDecodeBucket_Invalid(t *testing.T) {
	valid := EncodeBucket(testBucket(t, 10, 100, 40))

	mixed := testBucket(t, 10, 10, 5)
	mixed.Fresh, _ = hyperloglog.New(hyperloglog.WithPrecision(11))

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidBucket},
		{"bad magic", append([]byte("XBK1"), valid[4:]...), ErrInvalidBucket},
		{"no sections", []byte(bucketMagic), ErrInvalidBucket},
		{"truncated", valid[:len(valid)-3], ErrInvalidBucket},
		{"trailing", append(append([]byte{}, valid...), 0), ErrInvalidBucket},
		{"mixed precision", EncodeBucket(mixed), hyperloglog.ErrPrecisionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBucket(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
