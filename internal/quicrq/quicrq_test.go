package quicrq

import "testing"

func TestNewURLValidation(t *testing.T) {
	if _, err := NewURL(nil); err == nil {
		t.Fatalf("expected error for empty URL")
	}
	big := make([]byte, MaxURLLength+1)
	if _, err := NewURL(big); err == nil {
		t.Fatalf("expected error for oversized URL")
	}
	u, err := NewURL([]byte("quicrq://example/live"))
	if err != nil {
		t.Fatalf("NewURL: %v", err)
	}
	if u.Key() != "quicrq://example/live" {
		t.Fatalf("unexpected key: %s", u.Key())
	}
}

func TestURLEqual(t *testing.T) {
	a, _ := NewURL([]byte("abc"))
	b, _ := NewURL([]byte("abc"))
	c, _ := NewURL([]byte("abcd"))
	if !a.Equal(b) {
		t.Fatalf("expected equal URLs")
	}
	if a.Equal(c) {
		t.Fatalf("expected unequal URLs")
	}
}

func TestObjectKeyOrdering(t *testing.T) {
	cases := []struct {
		a, b ObjectKey
		want bool
	}{
		{ObjectKey{0, 0}, ObjectKey{0, 1}, true},
		{ObjectKey{0, 5}, ObjectKey{1, 0}, true},
		{ObjectKey{1, 0}, ObjectKey{0, 5}, false},
		{ObjectKey{2, 3}, ObjectKey{2, 3}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Fatalf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestCheckID(t *testing.T) {
	if err := CheckID(MaxVarInt62); err != nil {
		t.Fatalf("CheckID(MaxVarInt62): %v", err)
	}
	if err := CheckID(MaxVarInt62 + 1); err == nil {
		t.Fatalf("expected error for over-range id")
	}
}

func TestFragmentEnd(t *testing.T) {
	f := Fragment{Offset: 10, Payload: []byte("hello")}
	if got := f.End(); got != 15 {
		t.Fatalf("End() = %d, want 15", got)
	}
}
