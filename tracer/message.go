package tracer

// Message is the deferred payload of a span or the trace's description: a
// display text plus an optional context map of extra key/value pairs
// (spec.md §2 "Message / MessageSupplier").
type Message struct {
	Text    string
	Context map[string]string
}

// MessageSupplier defers the production of a Message to snapshot time, so
// that the hot instrumentation path never pays formatting cost unless a
// trace is actually captured (spec.md §9 "Deferred values").
type MessageSupplier func() Message

// StringMessage returns a MessageSupplier that always yields the given
// text with no context map, a convenience for plugins that don't need a
// context map.
func StringMessage(text string) MessageSupplier {
	return func() Message { return Message{Text: text} }
}
