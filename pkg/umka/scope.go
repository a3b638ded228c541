package umka

import "context"

// With opens a session, passes it to fn and closes it on every exit path,
// including a panic in fn.
func With(ctx context.Context, cfg Config, fn func(*Session) error) (err error) {
	s, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
