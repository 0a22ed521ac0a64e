package kv

import (
	"errors"
	"testing"
)

func TestBadgerPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer b.Close()

	if err := b.Put("k1", []byte("v1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	v, err := b.Get("k1")
	if err != nil || string(v) != "v1" {
		t.Fatalf("got %q, %v", v, err)
	}
	if err := b.Delete("k1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := b.Get("k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestBadgerAtomicApply(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer b.Close()

	_ = b.Put("stale", []byte("x"))
	err = b.AtomicApply(map[string][]byte{"a": []byte("1"), "b": []byte("2")}, []string{"stale"})
	if err != nil {
		t.Fatalf("atomic apply failed: %v", err)
	}
	if _, err := b.Get("stale"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected stale key removed")
	}
	if v, err := b.Get("a"); err != nil || string(v) != "1" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestBadgerListPrefix(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer b.Close()

	_ = b.Put("shard/1", []byte("a"))
	_ = b.Put("shard/2", []byte("b"))
	_ = b.Put("nmap/1", []byte("c"))

	keys, err := b.ListPrefix("shard/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %v", keys)
	}
}
