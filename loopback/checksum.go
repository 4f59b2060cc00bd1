package loopback

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/nicring/nicring/desc"
)

func onesSum(sum uint32, b []byte) uint32 {
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

func pseudoHeaderSum(ip *layers.IPv4, length int) uint32 {
	sum := onesSum(0, ip.SrcIP.To4())
	sum = onesSum(sum, ip.DstIP.To4())
	return sum + uint32(ip.Protocol) + uint32(length)
}

// l4ChecksumOffset returns where the checksum field of the transport header
// is, or -1 for protocols the engine does not handle.
func l4ChecksumOffset(p layers.IPProtocol) int {
	switch p {
	case layers.IPProtocolTCP:
		return 16
	case layers.IPProtocolUDP:
		return 6
	}
	return -1
}

func decodeIPv4(frame []byte) *layers.IPv4 {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip == nil || len(ip.Contents) < 20 {
		return nil
	}
	return ip
}

// insertChecksums fills in the checksums of an IPv4 frame in place, the way
// the transmit checksum engine does. Frames it does not understand are sent
// untouched.
func insertChecksums(frame []byte, mode desc.Checksum) {
	if mode == desc.ChecksumNone {
		return
	}

	ip := decodeIPv4(frame)
	if ip == nil {
		return
	}

	// The decoded layers alias frame, writes go straight into it.
	h := ip.Contents
	h[10], h[11] = 0, 0
	binary.BigEndian.PutUint16(h[10:], ^fold(onesSum(0, h)))

	if mode == desc.ChecksumIPHeader {
		return
	}

	off := l4ChecksumOffset(ip.Protocol)
	seg := ip.Payload
	if off < 0 || len(seg) < off+2 || ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		return
	}

	seg[off], seg[off+1] = 0, 0
	var sum uint32
	if mode == desc.ChecksumFull {
		sum = pseudoHeaderSum(ip, len(seg))
	}

	c := ^fold(onesSum(sum, seg))
	if c == 0 && ip.Protocol == layers.IPProtocolUDP {
		c = 0xffff
	}
	binary.BigEndian.PutUint16(seg[off:], c)
}

// classify decodes a received frame into what the receive checksum engine
// reports for it.
func classify(frame []byte, checksumEngine bool) desc.RxInfo {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth == nil {
		return desc.RxInfo{FrameError: true}
	}

	info := desc.RxInfo{EthernetII: eth.EthernetType != layers.EthernetTypeLLC}
	if !info.EthernetII {
		return info
	}

	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !checksumEngine || ip == nil || len(ip.Contents) < 20 {
		info.ChecksumBypassed = true
		return info
	}

	info.IPHeaderError = fold(onesSum(0, ip.Contents)) != 0xffff

	off := l4ChecksumOffset(ip.Protocol)
	seg := ip.Payload
	if off < 0 || len(seg) < off+2 || ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		// Only unfragmented TCP and UDP payloads are verified.
		info.ChecksumBypassed = !info.IPHeaderError
		return info
	}

	if ip.Protocol == layers.IPProtocolUDP && binary.BigEndian.Uint16(seg[off:]) == 0 {
		return info
	}

	info.PayloadError = fold(onesSum(pseudoHeaderSum(ip, len(seg)), seg)) != 0xffff
	return info
}
