package markers

import "strings"

// Name sources a marker label can draw its device name from.
const (
	sourceListing   = "listing"
	sourceTelemetry = "telemetry"
	sourceID        = "id"
)

type nameCandidate struct {
	Name   string
	Source string
}

// bestName picks the device name shown on a marker. Placeholder names some feeds report for
// unnamed equipment never win over a real one; ties go to the shorter name.
func bestName(candidates ...nameCandidate) string {
	best := ""
	bestScore := -1
	for _, c := range candidates {
		name := normalizeName(c.Name)
		score := scoreName(c.Source, name)
		if score < 0 {
			continue
		}
		if score > bestScore || (score == bestScore && len(name) < len(best)) {
			best = name
			bestScore = score
		}
	}
	return best
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// scoreName returns -1 for names that must not be shown.
func scoreName(source, name string) int {
	if looksPlaceholder(name) {
		return -1
	}

	base := 50
	switch source {
	case sourceListing:
		base = 90
	case sourceTelemetry:
		base = 80
	case sourceID:
		base = 10
	}
	if len([]rune(name)) < 2 {
		base -= 40
	}
	return base
}

func looksPlaceholder(name string) bool {
	switch strings.ToLower(name) {
	case "", "-", "--", "?", "n/a", "na", "none", "null", "unknown", "sense nom", "sin nombre":
		return true
	}
	return false
}
