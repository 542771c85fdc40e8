package evm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABIs loads ABI JSON files from the provided directories, keyed by path.
// A file may hold a bare ABI array or a build artifact with an "abi" field.
func LoadABIs(dirs []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read abi %s: %w", path, err)
			}
			a, err := parseABI(data)
			if err != nil {
				return fmt.Errorf("parse abi %s: %w", path, err)
			}
			abis[path] = a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

func parseABI(data []byte) (*abi.ABI, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(trimmed, &artifact); err != nil {
			return nil, err
		}
		if len(artifact.ABI) == 0 {
			return nil, fmt.Errorf("artifact has no abi field")
		}
		trimmed = artifact.ABI
	}
	a, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindEvent searches loaded ABIs for an event with the given name.
// Paths are visited in sorted order so the result does not depend on map iteration.
func FindEvent(abis map[string]*abi.ABI, eventName string) (*abi.Event, bool) {
	paths := make([]string, 0, len(abis))
	for p := range abis {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if ev, ok := abis[p].Events[eventName]; ok {
			return &ev, true
		}
	}
	return nil, false
}
