package capture

import (
	"strconv"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// Decoder turns raw frames into records using a preallocated
// DecodingLayerParser. It is not safe for concurrent use; each source owns
// one.
type Decoder struct {
	eth     layers.Ethernet
	sll     layers.LinuxSLL
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	sctp    layers.SCTP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder creates a decoder for frames of the given link type.
func NewDecoder(link layers.LinkType) *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 10)}

	first := layers.LayerTypeEthernet
	switch link {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		first = layers.LayerTypeIPv6
	case layers.LinkTypeLinuxSLL:
		// the "any" pseudo-interface
		first = layers.LayerTypeLinuxSLL
	}

	// Dot1Q decodes into itself, so stacked (QinQ) tags unwrap too.
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.sll, &d.dot1q, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.sctp, &d.icmp4, &d.icmp6, &d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode extracts a record from one frame. It reports false for frames
// without an IP layer, which carry nothing to classify.
func (d *Decoder) Decode(data []byte, ts time.Time, length int) (models.RawRecord, bool) {
	if length <= 0 {
		length = len(data)
	}
	rec := models.RawRecord{Size: length, Timestamp: ts.UTC()}

	// Truncated upper layers still leave the IP header usable.
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil && len(d.decoded) == 0 {
		metrics.PacketsSkipped.WithLabelValues("decode").Inc()
		return rec, false
	}

	hasIP := false
	for _, layerType := range d.decoded {
		switch layerType {
		case layers.LayerTypeIPv4:
			rec.SrcIP = d.ip4.SrcIP.String()
			rec.DstIP = d.ip4.DstIP.String()
			rec.Protocol = strconv.Itoa(int(d.ip4.Protocol))
			hasIP = true

		case layers.LayerTypeIPv6:
			rec.SrcIP = d.ip6.SrcIP.String()
			rec.DstIP = d.ip6.DstIP.String()
			rec.Protocol = strconv.Itoa(int(d.ip6.NextHeader))
			hasIP = true

		case layers.LayerTypeTCP:
			rec.SrcPort = models.Port(uint16(d.tcp.SrcPort))
			rec.DstPort = models.Port(uint16(d.tcp.DstPort))

		case layers.LayerTypeUDP:
			rec.SrcPort = models.Port(uint16(d.udp.SrcPort))
			rec.DstPort = models.Port(uint16(d.udp.DstPort))

		case layers.LayerTypeSCTP:
			rec.SrcPort = models.Port(uint16(d.sctp.SrcPort))
			rec.DstPort = models.Port(uint16(d.sctp.DstPort))
		}
	}

	if !hasIP {
		metrics.PacketsSkipped.WithLabelValues("non_ip").Inc()
		return rec, false
	}
	return rec, true
}
