package bus

import "strings"

// Topic namespace prefixes.
const (
	EventPrefix   = "event/"
	CommandPrefix = "command/"

	wildcard = "#"
)

// MatchTopic reports whether pattern matches a concrete topic. A
// pattern is an exact topic, or ends in a `#` segment that matches zero
// or more trailing levels, e.g. `event/network_devices/added/#` matches
// both `event/network_devices/added` and any device ID below it.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic || pattern == wildcard {
		return true
	}

	if !strings.HasSuffix(pattern, "/"+wildcard) {
		return false
	}

	base := strings.TrimSuffix(pattern, "/"+wildcard)

	return topic == base || strings.HasPrefix(topic, base+"/")
}

// ValidPattern checks that a subscription pattern is well-formed: the
// wildcard may only appear as the final segment.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}

	i := strings.Index(pattern, wildcard)
	if i < 0 {
		return true
	}

	if i != len(pattern)-1 {
		return false
	}

	return pattern == wildcard || strings.HasSuffix(pattern, "/"+wildcard)
}
