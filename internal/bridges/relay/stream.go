package relay

import (
	"bytes"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// Stream is a live sequence of values for one bus path.
//
// Subscribe registers fn for every value in arrival order and returns the
// function that cancels the registration. The returned function is safe to
// call more than once.
type Stream interface {
	Subscribe(fn func(v any)) (unsubscribe func())
}

// StreamSource resolves bus paths to streams. Stream returns nil when no
// live stream exists for the path.
type StreamSource interface {
	Stream(path string) Stream
}

// StreamFunc adapts a subscribe function to Stream.
type StreamFunc func(fn func(v any)) func()

// Subscribe implements Stream.
func (f StreamFunc) Subscribe(fn func(v any)) func() {
	return f(fn)
}

// Map returns a stream of f applied to every value of s.
func Map(s Stream, f func(any) any) Stream {
	return StreamFunc(func(fn func(any)) func() {
		return s.Subscribe(func(v any) { fn(f(v)) })
	})
}

// StartWith returns a stream that emits initial to each subscriber before
// the values of s.
func StartWith(s Stream, initial any) Stream {
	return StreamFunc(func(fn func(any)) func() {
		fn(initial)
		return s.Subscribe(fn)
	})
}

// SkipDuplicates returns a stream that drops values equal to the previous
// value seen by the same subscriber.
func SkipDuplicates(s Stream) Stream {
	return StreamFunc(func(fn func(any)) func() {
		var (
			mu   sync.Mutex
			last any
			seen bool
		)
		return s.Subscribe(func(v any) {
			mu.Lock()
			if seen && valuesEqual(last, v) {
				mu.Unlock()
				return
			}
			last, seen = v, true
			mu.Unlock()
			fn(v)
		})
	})
}

// ResolveStream returns the stream that drives a channel with the given
// trigger path, or nil when the source has none.
//
// Notification paths are turned into a 0/1 signal that starts at 0. Every
// stream is deduplicated.
func ResolveStream(src StreamSource, path string) Stream {
	if src == nil || path == "" {
		return nil
	}
	s := src.Stream(path)
	if s == nil {
		return nil
	}
	if strings.HasPrefix(path, NotificationPathPrefix) {
		s = StartWith(Map(s, NotificationActive), 0)
	}
	return SkipDuplicates(s)
}

// NotificationActive maps a notification value to 1 while its state is not
// "normal". A missing notification maps to 0.
func NotificationActive(v any) any {
	switch n := v.(type) {
	case nil:
		return 0
	case map[string]any:
		if state, _ := n["state"].(string); state == "normal" {
			return 0
		}
		return 1
	default:
		return 1
	}
}

// SwitchValue interprets a bus value as a relay state: 1 for numeric one,
// true or the string "1", otherwise 0.
func SwitchValue(v any) int {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
	case int:
		if x == 1 {
			return 1
		}
	case int64:
		if x == 1 {
			return 1
		}
	case float64:
		if x == 1 {
			return 1
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && f == 1 {
			return 1
		}
	}
	return 0
}

// valuesEqual compares two values for equality, handling []byte specially
// and falling back to deep equality for maps and slices decoded from JSON.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	aBytes, aIsBytes := a.([]byte)
	bBytes, bIsBytes := b.([]byte)
	if aIsBytes && bIsBytes {
		return bytes.Equal(aBytes, bBytes)
	}

	return reflect.DeepEqual(a, b)
}
