//go:build umkadebug

package bridge

// Debug builds abort on host-side contract violations.
const panicOnViolation = true
