package hostkey

import "testing"

func TestName(t *testing.T) {
	k := Key{IP: "10.0.0.1", Port: 6379}
	if got := k.Name(); got != "10.0.0.1:6379" {
		t.Fatalf("Name() = %q", got)
	}
}

func TestEmpty(t *testing.T) {
	if !(Key{}).Empty() {
		t.Fatal("zero-value Key should be Empty")
	}
	if (Key{IP: "10.0.0.1"}).Empty() {
		t.Fatal("Key with IP should not be Empty")
	}
}

func TestEqual(t *testing.T) {
	a := Key{IP: "10.0.0.1", Port: 6379}
	b := Key{IP: "10.0.0.1", Port: 6379}
	c := Key{IP: "10.0.0.1", Port: 6380}
	if !a.Equal(b) {
		t.Fatal("expected equal")
	}
	if a.Equal(c) {
		t.Fatal("expected not equal")
	}
}
