//go:build !linux

package capture

import "errors"

// AFPacketSource is only available on linux.
type AFPacketSource struct{ Source }

// NewAFPacketSource reports that AF_PACKET is unsupported on this platform.
func NewAFPacketSource(cfg *Config) (*AFPacketSource, error) {
	return nil, errors.New("afpacket: AF_PACKET capture requires linux")
}
