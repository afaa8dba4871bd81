package hyperloglog

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []hllHeader{
		{encoding: sparse, precision: 14, cachedCardinality: 0, cacheInvalid: true},
		{encoding: dense, precision: 4, cachedCardinality: 12345, cacheInvalid: false},
		{encoding: dense, precision: 16, cachedCardinality: 1<<63 - 1, cacheInvalid: true},
	}

	for _, want := range tests {
		got, err := deserializeHeader(want.serialize())
		if err != nil {
			t.Fatalf("deserializeHeader: %v", err)
		}
		if *got != want {
			t.Errorf("round trip: got %+v, want %+v", *got, want)
		}
	}
}

func TestDeserializeHeaderErrors(t *testing.T) {
	good := hllHeader{encoding: dense, precision: 14}.serialize()

	short := good[:10]

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'

	badEncoding := append([]byte(nil), good...)
	badEncoding[4] = 7

	badPrecision := append([]byte(nil), good...)
	badPrecision[5] = 20

	for name, data := range map[string][]byte{
		"short":     short,
		"magic":     badMagic,
		"encoding":  badEncoding,
		"precision": badPrecision,
	} {
		if _, err := deserializeHeader(data); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 5, 400, 50000} {
		h := mustNew(t)
		fill(h, "rt", n)
		h.Count()

		data := h.Serialize()
		got, err := Deserialize(data)
		if err != nil {
			t.Fatalf("n=%d: Deserialize: %v", n, err)
		}

		if !bytes.Equal(h.Registers(), got.Registers()) {
			t.Fatalf("n=%d: registers differ after round trip", n)
		}
		if got.IsDense() != h.IsDense() {
			t.Fatalf("n=%d: encoding changed after round trip", n)
		}
		if got.Count() != h.Count() {
			t.Fatalf("n=%d: count %d != %d", n, got.Count(), h.Count())
		}
		if !bytes.Equal(data, got.Serialize()) {
			t.Fatalf("n=%d: re-serialized bytes differ", n)
		}
	}
}

func TestSerialize_PrecisionPreserved(t *testing.T) {
	h := mustNew(t, WithPrecision(8))
	fill(h, "p", 1000)

	got, err := Deserialize(h.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if got.Precision() != 8 {
		t.Fatalf("precision = %d, want 8", got.Precision())
	}
	if !bytes.Equal(h.Registers(), got.Registers()) {
		t.Fatal("registers differ")
	}
}

func TestDeserialize_Corrupt(t *testing.T) {
	h := mustNew(t)
	fill(h, "c", 10)
	data := h.Serialize()

	t.Run("truncated sparse", func(t *testing.T) {
		if _, err := Deserialize(data[:len(data)-1]); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unsorted sparse", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		// Swap the first two pairs.
		a := append([]byte(nil), bad[20:23]...)
		copy(bad[20:23], bad[23:26])
		copy(bad[23:26], a)
		if _, err := Deserialize(bad); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("dense wrong length", func(t *testing.T) {
		d := mustNew(t)
		fill(d, "d", 30000)
		raw := d.Serialize()
		if _, err := Deserialize(raw[:len(raw)-8]); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("dense rank out of range", func(t *testing.T) {
		d := mustNew(t)
		fill(d, "d", 30000)
		raw := d.Serialize()
		raw[headerSize] = 200
		if _, err := Deserialize(raw); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestGetCachedCount(t *testing.T) {
	h := mustNew(t)
	fill(h, "g", 100)

	if _, ok := GetCachedCount(h.Serialize()); ok {
		t.Fatal("stale cache reported as valid")
	}

	want := h.Count()
	got, ok := GetCachedCount(h.Serialize())
	if !ok || got != want {
		t.Fatalf("GetCachedCount = (%d, %v), want (%d, true)", got, ok, want)
	}

	if _, ok := GetCachedCount([]byte("nope")); ok {
		t.Fatal("garbage reported as valid")
	}
}

func TestDescribe(t *testing.T) {
	h := mustNew(t, WithPrecision(10))
	enc, p, err := Describe(h.Serialize())
	if err != nil || enc != "sparse" || p != 10 {
		t.Fatalf("Describe = (%q, %d, %v)", enc, p, err)
	}
}
