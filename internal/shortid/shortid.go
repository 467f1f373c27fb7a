// Package shortid allocates human-friendly short IDs (LAT-42) backed by
// ids.json. Allocation is serialized by its own lock key; lookups are
// lock-free reads of the index file.
package shortid

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"lattice/internal/domain"
	"lattice/internal/storage"
)

// Index is the persisted ids.json structure.
type Index struct {
	SchemaVersion int               `json:"schema_version"`
	Counters      map[string]int    `json:"counters"`
	IDs           map[string]string `json:"ids"`
}

// DefaultIndex returns an empty v2 index.
func DefaultIndex() *Index {
	return &Index{
		SchemaVersion: 2,
		Counters:      map[string]int{},
		IDs:           map[string]string{},
	}
}

// Load reads ids.json, returning an empty index when the file is absent.
func Load(root storage.Root) (*Index, error) {
	data, err := os.ReadFile(root.IDIndexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultIndex(), nil
		}
		return nil, domain.WrapIO("read ids.json", err)
	}
	idx := DefaultIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, domain.Errf(domain.CodeValidation, "ids.json is corrupt: %v", err)
	}
	if idx.Counters == nil {
		idx.Counters = map[string]int{}
	}
	if idx.IDs == nil {
		idx.IDs = map[string]string{}
	}
	return idx, nil
}

// Save writes the index in the canonical JSON format.
func Save(root storage.Root, idx *Index) error {
	return storage.WriteCanonical(root.IDIndexPath(), idx)
}

// Allocate assigns the next short ID under the project (and optional
// subproject) code and binds it to taskID. The whole read-modify-write
// runs under the id-index lock.
func Allocate(root storage.Root, code, subCode, taskID string) (string, error) {
	if code == "" {
		return "", domain.Errf(domain.CodeValidation, "no project code configured; run 'lattice set-project-code'")
	}
	prefix := code
	if subCode != "" {
		prefix = code + "-" + subCode
	}
	locks, err := storage.Acquire(root.LocksDir(), storage.IDIndexLockKey)
	if err != nil {
		return "", err
	}
	defer locks.Release()

	idx, err := Load(root)
	if err != nil {
		return "", err
	}
	idx.Counters[prefix]++
	short := fmt.Sprintf("%s-%d", prefix, idx.Counters[prefix])
	idx.IDs[short] = taskID
	if err := Save(root, idx); err != nil {
		return "", err
	}
	return short, nil
}

// Resolve maps a short ID to a full task id. Full task ids pass through
// untouched so commands accept either form.
func Resolve(root storage.Root, ref string) (string, error) {
	if strings.HasPrefix(ref, "task_") {
		return ref, nil
	}
	idx, err := Load(root)
	if err != nil {
		return "", err
	}
	if full, ok := idx.IDs[strings.ToUpper(ref)]; ok {
		return full, nil
	}
	return "", domain.Errf(domain.CodeNotFound, "no task found for id %q", ref)
}

// ShortFor returns the short ID bound to taskID, or "" when none exists.
func ShortFor(root storage.Root, taskID string) string {
	idx, err := Load(root)
	if err != nil {
		return ""
	}
	for short, full := range idx.IDs {
		if full == taskID {
			return short
		}
	}
	return ""
}
