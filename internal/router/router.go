// Package router maps MQTT-style subscription patterns to handler callbacks
// using a prefix tree, so every inbound message is matched against all
// registered patterns without a linear scan.
package router

import (
	"fmt"
	"strings"
	"sync"

	"mqtt-device-bridge/internal/logger"
)

// Handler processes one inbound message. Handlers for the same topic run in
// registration-independent order and must be idempotent with respect to
// QoS >= 1 re-delivery.
type Handler func(topic string, payload []byte)

type registration struct {
	pattern string
	handler Handler
}

// Router matches inbound topics against registered wildcard patterns
type Router struct {
	logger *logger.Logger
	root   *node
	mu     sync.RWMutex
}

// node represents a node in the pattern tree
type node struct {
	segment    string
	isWildcard bool
	entries    []*registration
	children   map[string]*node
}

// New creates an empty router
func New(log *logger.Logger) *Router {
	return &Router{
		logger: log,
		root: &node{
			children: make(map[string]*node),
		},
	}
}

// Register adds a pattern with its handler. A single-level wildcard (+) must
// be an entire segment; a multi-level wildcard (#) must be the final segment.
func (r *Router) Register(pattern string, handler Handler) error {
	if pattern == "" || handler == nil {
		return fmt.Errorf("invalid pattern or nil handler")
	}

	segments := strings.Split(pattern, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.root
	for i, segment := range segments {
		isLast := i == len(segments)-1

		// Validate wildcards
		if segment == "#" && !isLast {
			return fmt.Errorf("multi-level wildcard (#) must be the last segment")
		}
		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("single-level wildcard (+) must be the entire segment")
		}

		// Create or get next node
		next, exists := current.children[segment]
		if !exists {
			next = &node{
				segment:    segment,
				isWildcard: segment == "+" || segment == "#",
				children:   make(map[string]*node),
			}
			current.children[segment] = next
		}

		if isLast {
			next.entries = append(next.entries, &registration{
				pattern: pattern,
				handler: handler,
			})
		}
		current = next
	}

	return nil
}

// Unregister removes every handler registered under a pattern
func (r *Router) Unregister(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("invalid pattern")
	}

	segments := strings.Split(pattern, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.unregister(r.root, segments, 0, pattern)
}

func (r *Router) unregister(n *node, segments []string, depth int, pattern string) error {
	if n == nil || depth >= len(segments) {
		return nil
	}

	segment := segments[depth]
	child, exists := n.children[segment]
	if !exists {
		return fmt.Errorf("pattern not registered: %s", pattern)
	}

	if depth == len(segments)-1 {
		kept := child.entries[:0]
		for _, e := range child.entries {
			if e.pattern != pattern {
				kept = append(kept, e)
			}
		}
		child.entries = kept
		if len(child.entries) == 0 && len(child.children) == 0 {
			delete(n.children, segment)
		}
		return nil
	}

	if err := r.unregister(child, segments, depth+1, pattern); err != nil {
		return err
	}

	// Clean up empty branches
	if len(child.entries) == 0 && len(child.children) == 0 {
		delete(n.children, segment)
	}

	return nil
}

// Patterns returns every registered pattern, deduplicated. The broker session
// uses this to re-issue subscriptions after a reconnect.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var patterns []string
	r.collect(r.root, seen, &patterns)
	return patterns
}

func (r *Router) collect(n *node, seen map[string]struct{}, patterns *[]string) {
	for _, e := range n.entries {
		if _, ok := seen[e.pattern]; !ok {
			seen[e.pattern] = struct{}{}
			*patterns = append(*patterns, e.pattern)
		}
	}
	for _, child := range n.children {
		r.collect(child, seen, patterns)
	}
}

// Dispatch invokes every handler whose pattern matches the topic and returns
// the number of handlers invoked.
func (r *Router) Dispatch(topic string, payload []byte) int {
	if topic == "" {
		return 0
	}

	segments := strings.Split(topic, "/")

	r.mu.RLock()
	var matches []*registration
	r.findMatches(r.root, segments, 0, &matches)
	r.mu.RUnlock()

	// Handlers run outside the lock so they may register or unregister.
	for _, m := range matches {
		m.handler(topic, payload)
	}

	if len(matches) == 0 && r.logger != nil {
		r.logger.Debug("no handler matched topic", "topic", topic)
	}

	return len(matches)
}

func (r *Router) findMatches(n *node, segments []string, depth int, matches *[]*registration) {
	if n == nil {
		return
	}

	// If we've matched all segments, collect handlers
	if depth == len(segments) {
		if len(n.entries) > 0 {
			*matches = append(*matches, n.entries...)
		}
		return
	}

	segment := segments[depth]
	nextDepth := depth + 1

	// Check exact match
	if child, ok := n.children[segment]; ok {
		r.findMatches(child, segments, nextDepth, matches)
	}

	// Check single-level wildcard
	if child, ok := n.children["+"]; ok {
		r.findMatches(child, segments, nextDepth, matches)
	}

	// Check multi-level wildcard
	if child, ok := n.children["#"]; ok {
		*matches = append(*matches, child.entries...)
	}
}
