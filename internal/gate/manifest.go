package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadManifest reads a manifest.json file under dir describing the ordered
// list of gates to run. The file holds a top level {"gates": [...Spec]}
// object so the manifest itself can later grow sibling fields (a run label,
// a floor version) without breaking older readers.
func LoadManifest(dir string) ([]Spec, error) {
	path := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gate manifest: %w", err)
	}

	var doc struct {
		Gates []Spec `json:"gates"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse gate manifest %s: %w", path, err)
	}
	if len(doc.Gates) == 0 {
		return nil, fmt.Errorf("gate manifest %s declares no gates", path)
	}

	for i, spec := range doc.Gates {
		if spec.Name == "" {
			return nil, fmt.Errorf("gate manifest %s: gate %d has no name", path, i)
		}
		switch spec.Class {
		case ClassA, ClassB, ClassC:
		default:
			return nil, fmt.Errorf("gate manifest %s: gate %q has invalid class %q", path, spec.Name, spec.Class)
		}
		if len(spec.Cmd) == 0 {
			return nil, fmt.Errorf("gate manifest %s: gate %q has no command", path, spec.Name)
		}
	}

	return doc.Gates, nil
}
