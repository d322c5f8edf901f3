package abac

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint produces a stable hash of the normalized request plus the
// snapshot version it is evaluated against. Map attributes are written
// in sorted key order so two equal requests always hash identically.
func Fingerprint(req *AccessRequest, snap *Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%d", snap.Version)
	if snap.overlayGrant != "" {
		fmt.Fprintf(&b, "|g=%s", snap.overlayGrant)
	}
	fmt.Fprintf(&b, "|a=%s|pt=%s|rt=%s", req.Action, req.Principal.Type, req.Resource.Type)
	writeAttrs(&b, "p", req.Principal.Attrs)
	writeAttrs(&b, "r", req.Resource.Attrs)
	writeAttrs(&b, "c", req.Context)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeAttrs(b *strings.Builder, tag string, attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "|%s.%s=%v", tag, k, attrs[k])
	}
}
