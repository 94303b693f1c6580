package bus

import "strings"

// topicFilterMatch reports whether topicName matches topicFilter, where a
// filter segment of "+" matches exactly one topic segment. Trailing
// segments beyond the filter's length never match.
//
// Adapted from the single-level-wildcard case of the matcher used by the
// MQTT session client this bus is built on; the multi-level "#" wildcard is
// intentionally not supported since no topic in this bridge's wire protocol
// uses it.
func topicFilterMatch(topicFilter, topicName string) bool {
	filters := strings.Split(topicFilter, "/")
	names := strings.Split(topicName, "/")
	if len(filters) != len(names) {
		return false
	}
	for i, f := range filters {
		if f == "+" {
			continue
		}
		if f != names[i] {
			return false
		}
	}
	return true
}

// segments splits a topic into its '/'-delimited parts.
func segments(topic string) []string {
	return strings.Split(topic, "/")
}
