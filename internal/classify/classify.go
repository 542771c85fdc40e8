package classify

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Direction is the flow of a transfer relative to a watched address set.
type Direction string

const (
	NotRelevant Direction = ""
	Inflow      Direction = "inflow"
	Outflow     Direction = "outflow"
)

// ParseDirection accepts the persisted form of a direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Inflow:
		return Inflow, nil
	case Outflow:
		return Outflow, nil
	default:
		return NotRelevant, fmt.Errorf("unknown direction %q", s)
	}
}

// NormalizeAddress trims, strips an optional 0x/0X prefix and lowercases a hex address.
// The result is the 40 hex digits without prefix.
func NormalizeAddress(addr string) (string, error) {
	s := strings.TrimSpace(addr)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	s = strings.ToLower(s)
	if len(s) != 2*common.AddressLength {
		return "", fmt.Errorf("address %q: expected %d hex digits, got %d", addr, 2*common.AddressLength, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("address %q: invalid hex", addr)
	}
	return s, nil
}

// AddressSet is a membership set over normalized addresses.
type AddressSet map[common.Address]struct{}

// NewAddressSet parses and normalizes addresses; duplicates collapse.
func NewAddressSet(addrs []string) (AddressSet, error) {
	set := make(AddressSet, len(addrs))
	for _, a := range addrs {
		norm, err := NormalizeAddress(a)
		if err != nil {
			return nil, err
		}
		set[common.HexToAddress(norm)] = struct{}{}
	}
	return set, nil
}

// Contains reports whether addr is in the set.
func (s AddressSet) Contains(addr common.Address) bool {
	_, ok := s[addr]
	return ok
}

// ContainsHex is Contains for string input in any case, with or without prefix.
func (s AddressSet) ContainsHex(addr string) bool {
	norm, err := NormalizeAddress(addr)
	if err != nil {
		return false
	}
	return s.Contains(common.HexToAddress(norm))
}

// Strings returns the members as lowercase 0x-prefixed hex, sorted.
func (s AddressSet) Strings() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, strings.ToLower(a.Hex()))
	}
	sort.Strings(out)
	return out
}

// Classifier decides the direction of a transfer for a named group of addresses.
type Classifier interface {
	Name() string
	Addresses() AddressSet
	Classify(from, to common.Address) Direction
}

// WatchedSet classifies by membership in a single address set:
// only the recipient watched is an inflow, only the sender watched is an outflow,
// anything else (both or neither) is not relevant.
type WatchedSet struct {
	name string
	set  AddressSet
}

// NewWatchedSet builds a classifier named name over addrs.
func NewWatchedSet(name string, addrs []string) (*WatchedSet, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("classifier name is required")
	}
	set, err := NewAddressSet(addrs)
	if err != nil {
		return nil, fmt.Errorf("classifier %s: %w", name, err)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("classifier %s: at least one address is required", name)
	}
	return &WatchedSet{name: name, set: set}, nil
}

func (w *WatchedSet) Name() string { return w.name }

func (w *WatchedSet) Addresses() AddressSet { return w.set }

func (w *WatchedSet) Classify(from, to common.Address) Direction {
	fromWatched := w.set.Contains(from)
	toWatched := w.set.Contains(to)
	switch {
	case toWatched && !fromWatched:
		return Inflow
	case fromWatched && !toWatched:
		return Outflow
	default:
		return NotRelevant
	}
}

// Registry is a name-keyed lookup of classifiers.
type Registry struct {
	byName map[string]Classifier
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]Classifier{}}
}

// Register adds c; names must be unique.
func (r *Registry) Register(c Classifier) error {
	if c == nil {
		return errors.New("nil classifier")
	}
	if _, exists := r.byName[c.Name()]; exists {
		return fmt.Errorf("duplicate classifier: %s", c.Name())
	}
	r.byName[c.Name()] = c
	return nil
}

// Get returns the classifier registered under name.
func (r *Registry) Get(name string) (Classifier, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Names lists registered names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
