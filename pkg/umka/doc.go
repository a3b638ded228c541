// Package umka embeds the Umka scripting language.
//
// A Session owns one VM allocated on a native runtime (see OpenLibrary and
// package native). Its life is
//
//	Created → Loaded → Running → (Idle | Faulted) → Destroyed
//
// Scripts are loaded once; functions are then called any number of times
// with Go values, which are checked against the function's signature before
// anything reaches the VM. Failures are returned as errors wrapping one of
// the Err* sentinels, with the VM's diagnostic attached when there is one
// (see RecordOf). A session that faulted can only be closed.
//
// Close is idempotent and never blocks. With ties a session to a function
// scope, and sessions that become unreachable without Close are destroyed
// by the garbage collector as a last resort, with a warning logged.
//
// Calls on one session never overlap in the VM: by default a second call
// waits for the first, or fails with ErrConcurrentAccess under the
// "reject" policy. Independent sessions run in parallel; Pool keeps a set
// of loaded sessions for that.
//
//	lib, err := umka.OpenLibrary(ctx, config.LibraryConfig{Backend: "dynlib"}, nil, logger)
//	...
//	err = umka.With(ctx, umka.Config{Library: lib}, func(s *umka.Session) error {
//		if err := s.LoadScript(ctx, umka.ScriptSource{Name: "main.um", Text: src}); err != nil {
//			return err
//		}
//		sum, err := umka.Call[int](ctx, s, "add", 2, 3)
//		...
//	})
package umka
