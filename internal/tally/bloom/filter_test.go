package bloom

import (
	"bytes"
	"fmt"
	"testing"

	"tally.lopezb.com/internal/tally/digest"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialCapacity = 1000
	return cfg
}

func TestNew_Fresh(t *testing.T) {
	sf := New(DefaultConfig())

	meta := sf.metadata()
	if meta.Magic() != Magic {
		t.Errorf("wrong magic. got %x, want %x", meta.Magic(), Magic)
	}
	if meta.NumLayers() != 0 {
		t.Errorf("fresh filter should have 0 layers, got %d", meta.NumLayers())
	}
	if len(sf.backing) != MetadataSize {
		t.Errorf("backing buffer size wrong. got %d, want %d", len(sf.backing), MetadataSize)
	}
	if sf.Test([]byte("anything")) {
		t.Error("empty filter reported a member")
	}
}

func TestAdd_NoFalseNegatives(t *testing.T) {
	sf := New(smallConfig())

	const n = 20000
	for i := 0; i < n; i++ {
		if _, err := sf.Add([]byte(fmt.Sprintf("member-%d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		if !sf.Test([]byte(fmt.Sprintf("member-%d", i))) {
			t.Fatalf("false negative for member-%d", i)
		}
	}
}

func TestAdd_Duplicate(t *testing.T) {
	sf := New(smallConfig())

	added, err := sf.Add([]byte("once"))
	if err != nil || !added {
		t.Fatalf("first Add = (%v, %v), want (true, nil)", added, err)
	}

	before := sf.Serialize()
	added, err = sf.Add([]byte("once"))
	if err != nil || added {
		t.Fatalf("second Add = (%v, %v), want (false, nil)", added, err)
	}

	if !bytes.Equal(before, sf.Serialize()) {
		t.Fatal("re-adding a member changed the filter")
	}
	if sf.Count() != 1 {
		t.Fatalf("count = %d, want 1", sf.Count())
	}
}

func TestGrowth(t *testing.T) {
	sf := New(smallConfig())

	for i := 0; i < 7500; i++ {
		_, _ = sf.Add([]byte(fmt.Sprintf("g-%d", i)))
	}

	layers := sf.Layers()
	if len(layers) < 3 {
		t.Fatalf("expected at least 3 tiers, got %d", len(layers))
	}

	wantFirst := smallConfig().ErrorRate * (1 - TighteningRatio)
	if layers[0].ErrorRate != wantFirst {
		t.Errorf("first tier error rate = %g, want %g", layers[0].ErrorRate, wantFirst)
	}

	for i := 1; i < len(layers); i++ {
		if layers[i].Capacity != layers[i-1].Capacity*GrowthFactor {
			t.Errorf("tier %d capacity %d, want %d", i, layers[i].Capacity, layers[i-1].Capacity*GrowthFactor)
		}
		if layers[i].ErrorRate != layers[i-1].ErrorRate*TighteningRatio {
			t.Errorf("tier %d error rate %g, want %g", i, layers[i].ErrorRate, layers[i-1].ErrorRate*TighteningRatio)
		}
	}

	// Full tiers stop at their capacity.
	for i := 0; i < len(layers)-1; i++ {
		if layers[i].Count != layers[i].Capacity {
			t.Errorf("tier %d holds %d of %d", i, layers[i].Count, layers[i].Capacity)
		}
	}
}

func TestGrowthThreshold(t *testing.T) {
	cfg := smallConfig()
	cfg.GrowthThreshold = 0.5

	sf := New(cfg)
	for i := 0; i < 600; i++ {
		_, _ = sf.Add([]byte(fmt.Sprintf("t-%d", i)))
	}

	layers := sf.Layers()
	if len(layers) != 2 {
		t.Fatalf("expected 2 tiers at half fill, got %d", len(layers))
	}
	if layers[0].Count != 500 {
		t.Fatalf("first tier count = %d, want 500", layers[0].Count)
	}
}

func TestFalsePositiveRate(t *testing.T) {
	sf := New(smallConfig())

	const members = 10000
	for i := 0; i < members; i++ {
		_, _ = sf.Add([]byte(fmt.Sprintf("in-%d", i)))
	}

	const probes = 100000
	fp := 0
	for i := 0; i < probes; i++ {
		if sf.Test([]byte(fmt.Sprintf("out-%d", i))) {
			fp++
		}
	}

	// Blocked filters run somewhat above the textbook rate for the same
	// number of bits, so allow up to twice the target.
	rate := float64(fp) / probes
	if rate > 2*smallConfig().ErrorRate {
		t.Errorf("false positive rate %.4f exceeds %.4f", rate, 2*smallConfig().ErrorRate)
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	sf := New(smallConfig())
	for i := 0; i < 3000; i++ {
		_, _ = sf.Add([]byte(fmt.Sprintf("rt-%d", i)))
	}

	data := sf.Serialize()
	loaded, err := Load(data, smallConfig())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !bytes.Equal(data, loaded.Serialize()) {
		t.Fatal("round trip changed the bytes")
	}
	if loaded.Count() != sf.Count() {
		t.Fatalf("count %d != %d", loaded.Count(), sf.Count())
	}
	for i := 0; i < 3000; i++ {
		if !loaded.Test([]byte(fmt.Sprintf("rt-%d", i))) {
			t.Fatalf("loaded filter lost rt-%d", i)
		}
	}

	// The loaded filter keeps growing from where it left off.
	for i := 0; i < 5000; i++ {
		_, _ = loaded.Add([]byte(fmt.Sprintf("more-%d", i)))
	}
	if len(loaded.Layers()) <= len(sf.Layers()) {
		t.Fatal("loaded filter did not grow")
	}
}

func TestLoad_Corrupt(t *testing.T) {
	sf := New(smallConfig())
	_, _ = sf.Add([]byte("x"))
	good := sf.Serialize()

	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 0xFF

	tooManyLayers := append([]byte(nil), good...)
	Metadata(tooManyLayers[:MetadataSize]).SetNumLayers(MaxLayers + 1)

	unaligned := append([]byte(nil), good...)
	FilterHeader(unaligned[MetadataSize : MetadataSize+LayerHeaderSize]).SetSize(100)

	trailing := append(append([]byte(nil), good...), 0)

	cases := map[string][]byte{
		"short":          good[:10],
		"magic":          badMagic,
		"too many":       tooManyLayers,
		"truncated":      good[:len(good)-1],
		"unaligned size": unaligned,
		"trailing bytes": trailing,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(data, smallConfig()); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	sf := New(smallConfig())
	for i := 0; i < 1500; i++ {
		_, _ = sf.Add([]byte(fmt.Sprintf("d-%d", i)))
	}

	layers, err := Describe(sf.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if len(layers) != 2 {
		t.Fatalf("got %d tiers, want 2", len(layers))
	}
	if !HasValidMagic(sf.Serialize()) || HasValidMagic([]byte("HYLL")) {
		t.Fatal("HasValidMagic misclassified input")
	}
}

func TestDigestMismatch(t *testing.T) {
	cfg := smallConfig()
	cfg.Digest = digest.XXHash
	sf := New(cfg)
	_, _ = sf.Add([]byte("k"))

	if !sf.Test([]byte("k")) {
		t.Fatal("member lost with custom digest")
	}
}
