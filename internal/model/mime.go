package model

import (
	"strings"

	"github.com/gobwas/glob"
)

type mimeRule struct {
	pattern glob.Glob
	kind    ResourceType
}

var mimeRules = []mimeRule{
	{glob.MustCompile("image/*"), TypeImage},
	{glob.MustCompile("audio/*"), TypeAudio},
	{glob.MustCompile("video/*"), TypeVideo},
	{glob.MustCompile("{text/*,application/json}"), TypeText},
}

// KindFromMime infers a resource type from a mime type. The second result is
// false when no rule applies.
func KindFromMime(mime string) (ResourceType, bool) {
	m := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if m == "" {
		return "", false
	}
	for _, r := range mimeRules {
		if r.pattern.Match(m) {
			return r.kind, true
		}
	}
	return "", false
}
