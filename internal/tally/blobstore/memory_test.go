package blobstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMemory_LoadSave(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Load(ctx, "day:2026-10-18"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	value := []byte("sketch")
	if err := m.Save(ctx, "day:2026-10-18", value); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The store keeps its own copy.
	value[0] = 'X'

	got, err := m.Load(ctx, "day:2026-10-18")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "sketch" {
		t.Fatalf("expected %q, got %q", "sketch", got)
	}

	// And so does the caller.
	got[0] = 'Y'
	again, _ := m.Load(ctx, "day:2026-10-18")
	if string(again) != "sketch" {
		t.Fatalf("load returned shared bytes: %q", again)
	}
}

func TestMemory_KeysPrefixSorted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, k := range []string{"day:2026-10-18", "week:2026-W42", "day:2026-10-01", "day:2026-10-09", "global:hll"} {
		if err := m.Save(ctx, k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := m.Keys(ctx, "day:")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"day:2026-10-01", "day:2026-10-09", "day:2026-10-18"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}

	all, _ := m.Keys(ctx, "")
	if len(all) != 5 || m.Len() != 5 {
		t.Fatalf("expected 5 keys, got %d (Len %d)", len(all), m.Len())
	}
}

func TestMemory_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("day:%04d", i)
		if err := src.Save(ctx, key, bytes.Repeat([]byte{byte(i)}, i%50)); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := src.SaveSnapshotToWriter(&buf); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Trailing bytes belong to the journal and must be left unread.
	buf.WriteString("tail")

	dst := NewMemory()
	r := bufio.NewReader(&buf)
	if err := dst.LoadSnapshotFromReader(r); err != nil {
		t.Fatalf("load: %v", err)
	}

	rest := make([]byte, 8)
	n, _ := r.Read(rest)
	if string(rest[:n]) != "tail" {
		t.Fatalf("expected reader positioned at tail, got %q", rest[:n])
	}

	if dst.Len() != 2000 {
		t.Fatalf("expected 2000 keys, got %d", dst.Len())
	}

	for i := 0; i < 2000; i += 97 {
		key := fmt.Sprintf("day:%04d", i)
		got, err := dst.Load(ctx, key)
		if err != nil {
			t.Fatalf("load %s: %v", key, err)
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(i)}, i%50)) {
			t.Fatalf("value mismatch for %s", key)
		}
	}
}

func TestMemory_SnapshotEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewMemory().SaveSnapshotToWriter(&buf); err != nil {
		t.Fatal(err)
	}

	// Magic, EOF marker and checksum.
	if buf.Len() != 4+1+8 {
		t.Fatalf("expected 13 bytes, got %d", buf.Len())
	}

	if err := NewMemory().LoadSnapshotFromReader(bufio.NewReader(&buf)); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestMemory_SnapshotCorruption(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()
	_ = src.Save(ctx, "global:hll", []byte("registers"))
	_ = src.Save(ctx, "global:filter", []byte("bits"))

	var buf bytes.Buffer
	if err := src.SaveSnapshotToWriter(&buf); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	t.Run("FlippedByte", func(t *testing.T) {
		data := bytes.Clone(good)
		data[len(data)-12] ^= 0xFF

		dst := NewMemory()
		if err := dst.LoadSnapshotFromReader(bufio.NewReader(bytes.NewReader(data))); err == nil {
			t.Fatal("expected checksum error")
		}
		if dst.Len() != 0 {
			t.Fatalf("corrupt snapshot partially applied: %d keys", dst.Len())
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		data := good[:len(good)-3]
		err := NewMemory().LoadSnapshotFromReader(bufio.NewReader(bytes.NewReader(data)))
		if err == nil {
			t.Fatal("expected error on truncated snapshot")
		}
	})

	t.Run("BadMagic", func(t *testing.T) {
		data := bytes.Clone(good)
		copy(data, "NOPE")
		if err := NewMemory().LoadSnapshotFromReader(bufio.NewReader(bytes.NewReader(data))); err == nil {
			t.Fatal("expected header error")
		}
	})
}
