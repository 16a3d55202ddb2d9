package backlog

import "strings"

// Freeze restricts work under one ID prefix to a single active task.
type Freeze struct {
	Prefix     string // e.g. "ECOM" or "ECOM-"; empty disables the freeze
	ActiveTask string // The one task under Prefix still allowed through
}

// Apply splits ids into those allowed this cycle and those frozen out.
func (f Freeze) Apply(ids []string) (kept, frozen []string) {
	prefix := strings.ToUpper(strings.TrimSpace(f.Prefix))
	if prefix == "" {
		return ids, nil
	}
	if !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}
	active := strings.ToUpper(strings.TrimSpace(f.ActiveTask))

	for _, id := range ids {
		if strings.HasPrefix(id, prefix) && id != active {
			frozen = append(frozen, id)
			continue
		}
		kept = append(kept, id)
	}
	return kept, frozen
}
