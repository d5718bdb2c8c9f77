package events

import (
	"fmt"
	"strings"
)

// Topics follow <domain>.<action>. Consumed topics are produced by the order
// and catalog services; inventory.* topics are produced here.
const (
	TopicOrderCreated   = "order.created"
	TopicOrderCompleted = "order.completed"
	TopicOrderCancelled = "order.cancelled"
	TopicProductCreated = "product.created"

	TopicStockReserved = "inventory.reserved"
	TopicStockReleased = "inventory.released"
	TopicLowStock      = "inventory.low_stock"

	// TopicAll subscribes to the full event stream.
	TopicAll = "*"
)

// MatchTopic reports whether a dot-namespaced topic matches a subscription
// pattern. A bare "*" matches every topic; within a pattern each "*" segment
// matches exactly one topic segment ("inventory.*", "*.created").
func MatchTopic(pattern, topic string) bool {
	if pattern == TopicAll {
		return true
	}
	if pattern == topic {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] == "*" {
			continue
		}
		if ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// ValidateTopic rejects names that would not route: empty segments or
// wildcard characters in a concrete topic.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" {
			return fmt.Errorf("topic %q has an empty segment", topic)
		}
		if strings.ContainsAny(seg, "*#") {
			return fmt.Errorf("topic %q contains a wildcard", topic)
		}
	}
	return nil
}

// ValidatePattern accepts anything ValidateTopic does plus "*" segments and
// the bare "*" catch-all.
func ValidatePattern(pattern string) error {
	if pattern == TopicAll {
		return nil
	}
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		}
		if seg != "*" && strings.ContainsAny(seg, "*#") {
			return fmt.Errorf("pattern %q mixes wildcard and literal characters in one segment", pattern)
		}
	}
	return nil
}
