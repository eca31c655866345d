package slot

import "testing"

func TestOfKnownVectors(t *testing.T) {
	// Reference slots per the Redis Cluster keyspace hashing spec.
	cases := []struct {
		key  string
		slot int
	}{
		{"123456789", 12739},
		{"foo", 12182},
	}
	for _, c := range cases {
		if got := Of([]byte(c.key)); got != c.slot {
			t.Errorf("Of(%q) = %d, want %d", c.key, got, c.slot)
		}
	}
}

func TestOfHashTag(t *testing.T) {
	a := Of([]byte("{user1000}.following"))
	b := Of([]byte("{user1000}.followers"))
	if a != b {
		t.Fatalf("keys sharing a hash tag mapped to different slots: %d vs %d", a, b)
	}
	if a != Of([]byte("user1000")) {
		t.Fatalf("tagged key should hash identically to the bare tag contents")
	}
}

func TestOfEmptyTagFallsBackToWholeKey(t *testing.T) {
	// "{}foo" has no content between braces, so the whole key is hashed.
	if Of([]byte("{}foo")) != Of([]byte("{}foo")) {
		t.Fatal("unreachable")
	}
	empty := Of([]byte("{}foo"))
	whole := int(crc16([]byte("{}foo"))) & mask
	if empty != whole {
		t.Fatalf("Of(%q) = %d, want %d (hash of the whole key)", "{}foo", empty, whole)
	}
}

func TestOfRange(t *testing.T) {
	for _, k := range []string{"", "a", "somewhat-longer-key-value", "{tag}rest"} {
		s := Of([]byte(k))
		if s < 0 || s >= Count {
			t.Fatalf("Of(%q) = %d out of range", k, s)
		}
	}
}
