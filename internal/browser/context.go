// internal/browser/context.go
package browser

import "context"

// CombineContext derives a context from ctx1 that is canceled as soon as
// either ctx1 or ctx2 is done. Values come from ctx1 only. Commands run
// against a tab this way: ctx1 carries the CDP target for the tab's
// lifetime, ctx2 carries the caller's deadline for one operation.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
