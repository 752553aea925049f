// Package eventloop is a small poll(2) readiness loop.
//
// The backend core runs no loop of its own; it exposes descriptors and
// dispatch entry points. This package is the owner side: the daemon adds
// the xenstore watch descriptor and every bound event channel descriptor,
// and Run calls the matching handler on its own goroutine whenever one
// becomes readable. Handlers therefore never run concurrently with each
// other, which is what the single-threaded backend core requires.
//
// Usage:
//
//	loop, err := eventloop.New()
//	if err != nil {
//	    return err
//	}
//	defer loop.Close()
//
//	loop.Add(ctx.WatchFd(), func() { ctx.DispatchWatchEvent() })
//	err = loop.Run(sigCtx)
package eventloop
