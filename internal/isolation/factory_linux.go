//go:build linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator.
// Prefers cgroups v2; falls back to timeout-only enforcement when the cgroup
// hierarchy cannot be used (unprivileged container, cgroups v1 host).
func NewIsolator() Isolator {
	iso, err := NewLinuxIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, using fallback (timeout only)", "error", err)
		return NewFallbackIsolator()
	}
	return iso
}
