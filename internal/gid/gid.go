// Package gid extracts the calling goroutine's runtime id. The core needs
// it to give each process-wide Metric a per-thread (here: per-goroutine)
// TraceMetric slot (spec.md §4.2, §9 "Global state"). Go exposes no public
// goroutine-local storage, so this parses the id out of the header line
// runtime.Stack prints ("goroutine 123 [running]:") — the same trick every
// goroutine-local-storage shim in the ecosystem uses, and no third-party
// library in the pack offers a portable alternative.
package gid

import (
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's id.
func Current() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parse(buf[:n])
}

func parse(b []byte) int64 {
	// b starts with "goroutine 123 ["
	const prefix = "goroutine "
	if len(b) < len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
