//go:build linux

package capture

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// checkLink verifies the interface exists and is administratively up, so a
// misconfigured interface fails at start instead of producing silence.
func checkLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("interface %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return fmt.Errorf("interface %s is down (oper state %s)", name, attrs.OperState)
	}
	return nil
}
