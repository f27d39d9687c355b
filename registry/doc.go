// Package registry correlates asynchronous foreign calls with their
// completion callbacks.
//
// A foreign caller has no way to await a Go result across the boundary, so
// every asynchronous entry point registers the caller's [Callback] and gets a
// [Handle] back. When the work completes, [Registry.Fire] delivers the
// [Result] through the stored callback exactly once:
//
//	h, err := reg.Register(registry.Callback{Fn: onDone, UserData: ctx})
//	...
//	err = reg.Fire(h, registry.Result{Status: ffierr.OK, Data: buf})
//
// Per handle the state machine is Pending → Fired → removed. Firing a
// handle that was never issued fails with CodeUnknownHandle; firing one that
// has already completed fails with CodeDoubleFire. Both indicate a bug in the
// caller and are reported, never ignored.
//
// At teardown [Registry.Shutdown] refuses new registrations and delivers
// CodeCancelled to every callback still pending, so no foreign caller waits
// forever.
//
// Callbacks always run outside the registry lock and inside a guard, so a
// callback may re-enter the registry and a panicking callback cannot take
// the process down.
package registry
