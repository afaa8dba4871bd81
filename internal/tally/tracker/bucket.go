// bucket.go defines the persisted form of a time bucket: the sketch of every
// user seen in the bucket and the sketch of users seen for the first time.
//
// The Binary Format (TBK1)
// ========================
//
//	+--------+---------+-----------+---------+-----------+
//	| Magic  | AllLen  | All       | NewLen  | New       |
//	+--------+---------+-----------+---------+-----------+
//	 4 bytes   4 bytes   variable    4 bytes   variable
//
//	Magic:          the string "TBK1".
//	AllLen/NewLen:  little-endian uint32 lengths.
//	All/New:        serialized HYLL sketches.

package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tally.lopezb.com/internal/tally/hyperloglog"
)

const bucketMagic = "TBK1"

// ErrInvalidBucket is returned for data that is not a TBK1 bucket.
var ErrInvalidBucket = errors.New("tracker: invalid bucket data")

// Bucket is the sketch pair held for one day, week or month.
type Bucket struct {
	All   *hyperloglog.HLL // every user seen in the bucket
	Fresh *hyperloglog.HLL // users seen for the first time ever in the bucket
}

// BucketCounts are the estimated cardinalities of a bucket.
type BucketCounts struct {
	Key      string `json:"key"`
	Users    uint64 `json:"users"`
	NewUsers uint64 `json:"newUsers"`
}

// Counts returns the estimates of both sketches.
func (b Bucket) Counts(key string) BucketCounts {
	return BucketCounts{
		Key:      key,
		Users:    b.All.Count(),
		NewUsers: b.Fresh.Count(),
	}
}

// EncodeBucket serializes both sketches into the TBK1 layout.
func EncodeBucket(b Bucket) []byte {
	all := b.All.Serialize()
	fresh := b.Fresh.Serialize()

	buf := make([]byte, 0, len(bucketMagic)+8+len(all)+len(fresh))
	buf = append(buf, bucketMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(all)))
	buf = append(buf, all...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(fresh)))
	buf = append(buf, fresh...)

	return buf
}

// DecodeBucket parses a TBK1 bucket. opts are passed to
// hyperloglog.Deserialize for both sketches.
func DecodeBucket(data []byte, opts ...hyperloglog.Option) (Bucket, error) {
	if !HasBucketMagic(data) {
		return Bucket{}, ErrInvalidBucket
	}
	rest := data[len(bucketMagic):]

	allData, rest, err := readSection(rest)
	if err != nil {
		return Bucket{}, err
	}

	freshData, rest, err := readSection(rest)
	if err != nil {
		return Bucket{}, err
	}

	if len(rest) != 0 {
		return Bucket{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidBucket, len(rest))
	}

	all, err := hyperloglog.Deserialize(allData, opts...)
	if err != nil {
		return Bucket{}, fmt.Errorf("tracker: all-users sketch: %w", err)
	}

	fresh, err := hyperloglog.Deserialize(freshData, opts...)
	if err != nil {
		return Bucket{}, fmt.Errorf("tracker: new-users sketch: %w", err)
	}

	if all.Precision() != fresh.Precision() {
		return Bucket{}, fmt.Errorf("%w: bucket sketches differ", hyperloglog.ErrPrecisionMismatch)
	}

	return Bucket{All: all, Fresh: fresh}, nil
}

// HasBucketMagic reports whether data starts with the TBK1 magic.
func HasBucketMagic(data []byte) bool {
	return len(data) >= len(bucketMagic) && string(data[:len(bucketMagic)]) == bucketMagic
}

func readSection(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: section length missing", ErrInvalidBucket)
	}

	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]

	if uint64(len(data)) < uint64(n) {
		return nil, nil, fmt.Errorf("%w: section truncated", ErrInvalidBucket)
	}

	return data[:n], data[n:], nil
}
