package codegen

import (
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/types"
)

// manifestPayload is the record shape the manifest phase asks for.
type manifestPayload struct {
	Files []types.FileManifestEntry `json:"files"`
}

// maxManifestEntries bounds a single manifest. Anything larger means the
// model ignored the sizing guidance.
const maxManifestEntries = 100

// validateManifest is the correction hook for manifest extraction. A
// duplicate path is classified as a malformed manifest, not a policy
// violation, so it triggers the generation unit's retry rather than
// surfacing immediately.
func validateManifest(payload *manifestPayload) error {
	if len(payload.Files) == 0 {
		return fmt.Errorf("manifest is empty")
	}
	if len(payload.Files) > maxManifestEntries {
		return fmt.Errorf("manifest has %d entries (max %d)", len(payload.Files), maxManifestEntries)
	}
	seen := make(map[string]bool, len(payload.Files))
	for i, entry := range payload.Files {
		path := strings.TrimSpace(entry.Path)
		if path == "" {
			return fmt.Errorf("manifest entry %d has an empty path", i)
		}
		if seen[path] {
			return fmt.Errorf("duplicate manifest path %q", path)
		}
		seen[path] = true
		if strings.TrimSpace(entry.Responsibility) == "" {
			return fmt.Errorf("manifest entry %q has an empty responsibility", path)
		}
	}
	return nil
}
