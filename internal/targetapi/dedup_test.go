package targetapi

import (
	"strconv"
	"testing"
)

func TestDedup_InsertOnce(t *testing.T) {
	d := newDedup()
	if !d.insert("m1") {
		t.Fatal("first insert should report new")
	}
	if d.insert("m1") {
		t.Fatal("second insert of same id should report duplicate")
	}
}

func TestDedup_EvictsOldest(t *testing.T) {
	d := newDedup()
	for i := 0; i < dedupCap+1; i++ {
		d.insert("m" + strconv.Itoa(i))
	}
	if len(d.order) != dedupRetain {
		t.Fatalf("expected retained size %d, got %d", dedupRetain, len(d.order))
	}
}
