// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gateway

import (
	"fmt"
	"path"
	"strings"
)

// PathFilter decides whether a generic proxy path may be forwarded.
type PathFilter interface {
	Check(path string) error
}

// GlobFilter matches upstream paths segment by segment. Within a segment,
// patterns follow path.Match ("*", "?", "[a-z]"), so "talks/*" admits
// "talks/streams" but not "talks/streams/strm_1/sdp". A "**" segment
// matches zero or more whole segments: "talks/**" admits every path under
// talks/.
//
// Blocked wins over Allowed. An empty Allowed list permits every path that
// is not blocked.
type GlobFilter struct {
	Allowed []string
	Blocked []string
}

// Check validates that a path is allowed.
func (f *GlobFilter) Check(p string) error {
	segments := splitSegments(p)

	for _, pattern := range f.Blocked {
		if matchSegments(splitSegments(pattern), segments) {
			return fmt.Errorf("matches blocked pattern: %s", pattern)
		}
	}

	if len(f.Allowed) == 0 {
		return nil
	}

	for _, pattern := range f.Allowed {
		if matchSegments(splitSegments(pattern), segments) {
			return nil
		}
	}

	return fmt.Errorf("does not match any allowed pattern")
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchSegments reports whether segs satisfies the pattern segments.
// Malformed per-segment patterns never match.
func matchSegments(pattern, segs []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, err := path.Match(pattern[0], segs[0]); err != nil || !ok {
			return false
		}
		pattern, segs = pattern[1:], segs[1:]
	}
	return len(segs) == 0
}
