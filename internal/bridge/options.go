package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

// Policy decides what a call does when another call is in flight on the
// same handle.
type Policy int

const (
	// PolicyBlock waits for the in-flight call, cancellable by context.
	PolicyBlock Policy = iota
	// PolicyReject fails immediately with ErrConcurrentAccess.
	PolicyReject
)

func (p Policy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "block"
}

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return PolicyBlock, nil
	case "reject":
		return PolicyReject, nil
	}
	return PolicyBlock, fmt.Errorf("unknown concurrency policy %q", s)
}

// Options configure one Bridge.
type Options struct {
	ID             string
	StackSize      int
	Args           []string
	Features       native.Features
	Policy         Policy
	CallTimeout    time.Duration // advisory; zero disables
	MaxDiagnostics int
	Logger         *slog.Logger
}

// HostFunc is a Go function callable from script. ctx is the context of the
// run or call that reached it.
type HostFunc func(ctx context.Context, args []domain.NativeValue) (domain.NativeValue, error)

type module struct {
	name string
	text string
}

type hostFunc struct {
	name string
	sig  domain.Signature
	fn   HostFunc
}
