//go:build !umkadebug

package bridge

// panicOnViolation is set by the umkadebug build tag.
const panicOnViolation = false
