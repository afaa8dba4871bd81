package digest

import (
	"fmt"
	"math/bits"
	"testing"
)

func TestBlake2b_Deterministic(t *testing.T) {
	a := Blake2b([]byte("visitor"))
	b := Blake2b([]byte("visitor"))
	if a != b {
		t.Fatalf("digest not deterministic: %x != %x", a, b)
	}
	if a == Blake2b([]byte("visitor2")) {
		t.Fatalf("distinct inputs produced the same digest")
	}
}

func TestDigest_BitBalance(t *testing.T) {
	// Every bit position should be set roughly half of the time.
	for name, fn := range map[string]Func{"blake2b": Blake2b, "xxhash": XXHash} {
		t.Run(name, func(t *testing.T) {
			const n = 20000
			var ones [64]int
			for i := 0; i < n; i++ {
				h := fn([]byte(fmt.Sprintf("item-%d", i)))
				for b := 0; b < 64; b++ {
					if h&(1<<b) != 0 {
						ones[b]++
					}
				}
			}
			for b, c := range ones {
				ratio := float64(c) / n
				if ratio < 0.45 || ratio > 0.55 {
					t.Errorf("bit %d set in %.3f of digests", b, ratio)
				}
			}
		})
	}
}

func TestDefaultIsBlake2b(t *testing.T) {
	in := []byte("x")
	if Default(in) != Blake2b(in) {
		t.Fatal("Default digest is not Blake2b")
	}
	if bits.OnesCount64(Default(in)) == 0 {
		t.Fatal("unexpected zero digest")
	}
}
