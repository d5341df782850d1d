package pipeline

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

// runtimeVersions are the runtime versions a build manifest may declare.
var runtimeVersions = map[string][]string{
	"nodejs": {"24.x", "22.x"},
	"python": {"3.14", "3.13", "3.12"},
	"ruby":   {"3.4", "3.3"},
	"java":   {"25", "21"},
}

// ParseManifest decodes and validates a build manifest. The manifest is only
// usable when no issues are returned.
func ParseManifest(raw []byte) (api.Manifest, []api.Issue) {
	var m api.Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&m); err != nil {
		return api.Manifest{}, []api.Issue{{Rule: "json", Value: err.Error()}}
	}
	if err := api.ValidateManifest(m); err != nil {
		return api.Manifest{}, api.Issues(err)
	}
	spec := m.Runtime.Runtime
	allowed := runtimeVersions[spec.Identifier]
	if !slices.Contains(allowed, spec.Version) {
		sorted := slices.Clone(allowed)
		slices.Sort(sorted)
		return api.Manifest{}, []api.Issue{{
			Field: "Runtime.Runtime.Version",
			Rule:  "oneof",
			Value: strings.Join(sorted, " "),
		}}
	}
	return m, nil
}
