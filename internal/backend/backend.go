package backend

import "context"

// Worker runs one role invocation. onOutput is called for every user-visible
// chunk as it is produced; it may be nil.
type Worker interface {
	Invoke(ctx context.Context, inv Invocation, onOutput func(Output)) (Outcome, error)
}

// InputCloser is implemented by workers that can end a running invocation
// early. CloseInput reports whether an invocation was running for key.
type InputCloser interface {
	CloseInput(key string) bool
}

// protocol adapts one CLI's arguments and output format.
type protocol interface {
	command() string
	args(inv Invocation, extra []string) []string
	// stdin returns the data piped to the process, or "" for none.
	stdin(inv Invocation) string
	newParser(inv Invocation) parser
}

// parser consumes stdout one line at a time.
type parser interface {
	// feed returns the user-visible text carried by line, if any.
	feed(line string) (string, error)
	result() (text, sessionID string, tokens int)
}
