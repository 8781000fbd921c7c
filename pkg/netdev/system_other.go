//go:build !linux

package netdev

import "go.uber.org/zap"

// NewSystemClass returns the "system" device class for this platform. Only
// Linux has kernel-backed devices; elsewhere they are kept in memory.
func NewSystemClass(log *zap.SugaredLogger) Class {
	log.Named("netdev").Infow("no kernel netdev support on this platform, using in-memory system devices")
	return NewMemoryClass("system")
}
