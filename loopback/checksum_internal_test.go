package loopback

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/nicring/nicring/desc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

const (
	ipChecksumOff  = 14 + 10
	udpChecksumOff = 14 + 20 + 6
	tcpChecksumOff = 14 + 20 + 16
)

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, l...))
	return buf.Bytes()
}

func ipv4(p layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: p,
		SrcIP:    net.IP{10, 1, 0, 1},
		DstIP:    net.IP{10, 1, 0, 2},
	}
}

func ether(t layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: t}
}

func udpFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	ip := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 4242, DstPort: 4243}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ether(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

func tcpFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	ip := ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 4242, DstPort: 80, Seq: 1, ACK: true, Ack: 7, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ether(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(payload))
}

func llcFrame(payload []byte) []byte {
	f := append(append([]byte(nil), dstMAC...), srcMAC...)
	n := len(payload) + 3
	f = append(f, byte(n>>8), byte(n))
	f = append(f, 0xaa, 0xaa, 0x03)
	return append(f, payload...)
}

func zeroAt(b []byte, offs ...int) []byte {
	out := bytes.Clone(b)
	for _, o := range offs {
		out[o], out[o+1] = 0, 0
	}
	return out
}

func TestInsertChecksums(t *testing.T) {
	payload := bytes.Repeat([]byte("nicring"), 20)

	for _, tt := range []struct {
		name  string
		frame []byte
		l4    int
	}{
		{"udp", udpFrame(t, payload), udpChecksumOff},
		{"tcp", tcpFrame(t, payload), tcpChecksumOff},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := zeroAt(tt.frame, ipChecksumOff, tt.l4)
			insertChecksums(f, desc.ChecksumFull)
			assert.Equal(t, tt.frame, f)

			f = zeroAt(tt.frame, ipChecksumOff, tt.l4)
			insertChecksums(f, desc.ChecksumIPHeader)
			assert.Equal(t, tt.frame[ipChecksumOff:ipChecksumOff+2], f[ipChecksumOff:ipChecksumOff+2])
			assert.Equal(t, []byte{0, 0}, f[tt.l4:tt.l4+2])

			f = zeroAt(tt.frame, ipChecksumOff, tt.l4)
			insertChecksums(f, desc.ChecksumNone)
			assert.Equal(t, zeroAt(tt.frame, ipChecksumOff, tt.l4), f)

			f = zeroAt(tt.frame, ipChecksumOff, tt.l4)
			insertChecksums(f, desc.ChecksumNoPseudoHeader)
			assert.Equal(t, tt.frame[ipChecksumOff:ipChecksumOff+2], f[ipChecksumOff:ipChecksumOff+2])
			assert.NotEqual(t, tt.frame[tt.l4:tt.l4+2], f[tt.l4:tt.l4+2])
		})
	}

	// Frames that are not IPv4 go out untouched.
	arp := serialize(t, ether(layers.EthernetTypeARP), &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: []byte{10, 1, 0, 1},
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte{10, 1, 0, 2},
	})
	f := bytes.Clone(arp)
	insertChecksums(f, desc.ChecksumFull)
	assert.Equal(t, arp, f)

	short := []byte{1, 2, 3}
	insertChecksums(short, desc.ChecksumFull)
	assert.Equal(t, []byte{1, 2, 3}, short)
}

func TestClassify(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5a}, 64)
	good := udpFrame(t, payload)

	badHeader := bytes.Clone(good)
	badHeader[ipChecksumOff] ^= 0xff

	badPayload := bytes.Clone(good)
	badPayload[len(badPayload)-1] ^= 0xff

	noUDPChecksum := zeroAt(good, udpChecksumOff)
	noUDPChecksum[len(noUDPChecksum)-1] ^= 0xff

	icmp := serialize(t, ether(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
		gopacket.Payload(payload))

	tests := []struct {
		name   string
		frame  []byte
		engine bool
		expect desc.RxInfo
	}{
		{"good", good, true, desc.RxInfo{EthernetII: true}},
		{"tcp", tcpFrame(t, payload), true, desc.RxInfo{EthernetII: true}},
		{"bad header", badHeader, true, desc.RxInfo{EthernetII: true, IPHeaderError: true}},
		{"bad payload", badPayload, true, desc.RxInfo{EthernetII: true, PayloadError: true}},
		{"udp without checksum", noUDPChecksum, true, desc.RxInfo{EthernetII: true}},
		{"icmp", icmp, true, desc.RxInfo{EthernetII: true, ChecksumBypassed: true}},
		{"no engine", badPayload, false, desc.RxInfo{EthernetII: true, ChecksumBypassed: true}},
		{"llc", llcFrame(payload), true, desc.RxInfo{}},
		{"runt", []byte{1, 2, 3, 4}, true, desc.RxInfo{FrameError: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, classify(tt.frame, tt.engine))
		})
	}
}
