package execpolicy

import (
	"path/filepath"
	"strings"
)

// ClassifyWrites decides whether a patch touching paths may be applied
// without asking. Every path must be absolute and beneath one of roots.
func ClassifyWrites(paths, roots []string) Decision {
	if len(paths) == 0 {
		return Decision{Outcome: RequireApproval, Reason: "patch touches no files"}
	}
	for _, p := range paths {
		if !within(p, roots) {
			return Decision{
				Outcome: RequireApproval,
				Reason:  "patch writes outside the writable roots: " + p,
				Rule:    "patch-outside-roots",
			}
		}
	}
	return Decision{Outcome: AutoApprove, Reason: "patch writes only within the writable roots", Rule: "patch-within-roots"}
}

func within(path string, roots []string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	path = filepath.Clean(path)
	for _, root := range roots {
		rel, err := filepath.Rel(filepath.Clean(root), path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
