package harnessports

import "context"

// Gate bounds how many completion calls run at once across the process.
// A gate of width one is the global completion lock for engines that are not
// safe for concurrent use.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
}
