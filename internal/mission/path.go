package mission

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// Path is the narrative branch a player picks in their reply to mission 3.
type Path string

const (
	PathUnset   Path = ""
	PathClarity Path = "clarity"
	PathChaos   Path = "chaos"
	PathUnknown Path = "unknown"
)

// classifyOrder is the keyword priority used by ClassifyPath. First match wins.
var classifyOrder = []Path{PathClarity, PathChaos, PathUnknown}

func (p Path) Valid() bool {
	switch p {
	case PathClarity, PathChaos, PathUnknown:
		return true
	default:
		return false
	}
}

// OrUnknown resolves an unset path to PathUnknown.
func (p Path) OrUnknown() Path {
	if p.Valid() {
		return p
	}
	return PathUnknown
}

func (p Path) String() string {
	if p == PathUnset {
		return "unset"
	}
	return string(p)
}

func ParsePath(raw string) (Path, error) {
	p := Path(strings.ToLower(strings.TrimSpace(raw)))
	if p == PathUnset || p.Valid() {
		return p, nil
	}
	return PathUnset, fmt.Errorf("path must be clarity, chaos or unknown: %q", raw)
}

// ClassifyPath reads a free-text reply and returns the path it names.
// Matching is a case-folded substring test; replies naming no path map to PathUnknown.
func ClassifyPath(reply string) Path {
	folded := cases.Fold().String(reply)
	for _, p := range classifyOrder {
		if strings.Contains(folded, string(p)) {
			return p
		}
	}
	return PathUnknown
}
