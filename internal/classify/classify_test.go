package classify

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	watchedA = "0xF977814e90dA44bFA03b6295A0616a897441aceC"
	watchedB = "0xe7804c37c13166fF0b37F5aE0BB07A3aEbb6e245"
	outsider = "0x1234567890abcdef1234567890abcdef12345678"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0xF977814e90dA44bFA03b6295A0616a897441aceC", "f977814e90da44bfa03b6295a0616a897441acec", false},
		{"0XF977814E90DA44BFA03B6295A0616A897441ACEC", "f977814e90da44bfa03b6295a0616a897441acec", false},
		{"  f977814e90da44bfa03b6295a0616a897441acec  ", "f977814e90da44bfa03b6295a0616a897441acec", false},
		{"0x1234", "", true},
		{"0xzz77814e90da44bfa03b6295a0616a897441acec", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeAddress(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddressSetCaseInsensitive(t *testing.T) {
	set, err := NewAddressSet([]string{watchedA, "0xf977814e90da44bfa03b6295a0616a897441acec"})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("expected duplicates to collapse, got %d", len(set))
	}
	if !set.ContainsHex("F977814E90DA44BFA03B6295A0616A897441ACEC") {
		t.Fatalf("expected upper-case lookup to match")
	}
	if set.ContainsHex(outsider) || set.ContainsHex("garbage") {
		t.Fatalf("unexpected membership")
	}
}

func TestWatchedSetClassify(t *testing.T) {
	c, err := NewWatchedSet("binance", []string{watchedA, watchedB})
	if err != nil {
		t.Fatalf("new watched set: %v", err)
	}
	a := common.HexToAddress(watchedA)
	b := common.HexToAddress(watchedB)
	x := common.HexToAddress(outsider)
	y := common.HexToAddress("0x9876543210fedcba9876543210fedcba98765432")

	tests := []struct {
		name     string
		from, to common.Address
		want     Direction
	}{
		{"inflow", x, a, Inflow},
		{"outflow", b, x, Outflow},
		{"internal", a, b, NotRelevant},
		{"self", a, a, NotRelevant},
		{"unrelated", x, y, NotRelevant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.from, tt.to); got != tt.want {
				t.Fatalf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewWatchedSetRejectsEmpty(t *testing.T) {
	if _, err := NewWatchedSet("", []string{watchedA}); err == nil {
		t.Fatalf("expected missing name to fail")
	}
	if _, err := NewWatchedSet("x", nil); err == nil {
		t.Fatalf("expected empty address list to fail")
	}
	if _, err := NewWatchedSet("x", []string{"0x12"}); err == nil {
		t.Fatalf("expected malformed address to fail")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	c1, _ := NewWatchedSet("binance", []string{watchedA})
	c2, _ := NewWatchedSet("other", []string{watchedB})
	if err := r.Register(c1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(c2); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(c1); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}
	got, ok := r.Get("binance")
	if !ok || got.Name() != "binance" {
		t.Fatalf("lookup failed: %v %v", got, ok)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "binance" || names[1] != "other" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestParseDirection(t *testing.T) {
	if d, err := ParseDirection("INFLOW"); err != nil || d != Inflow {
		t.Fatalf("parse inflow: %v %v", d, err)
	}
	if d, err := ParseDirection("outflow"); err != nil || d != Outflow {
		t.Fatalf("parse outflow: %v %v", d, err)
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Fatalf("expected unknown direction to fail")
	}
}
