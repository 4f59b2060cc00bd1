// Package desc encodes and decodes DMA descriptors for the two supported
// descriptor layouts. Codecs are pure functions over a descriptor, the ordered
// handover to the DMA engine is done by [Commit].
package desc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nicring/nicring/dma"
)

// Kind selects a descriptor layout.
type Kind int

const (
	KindNormal Kind = iota
	KindEnhanced
)

var ErrUnknownKind = errors.New("unknown descriptor layout")

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindEnhanced:
		return "enhanced"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "normal":
		return KindNormal, nil
	case "enhanced":
		return KindEnhanced, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Checksum is the transmit checksum insertion mode.
type Checksum uint32

const (
	ChecksumNone Checksum = iota
	ChecksumIPHeader
	ChecksumNoPseudoHeader
	ChecksumFull
)

type TxStatus int

const (
	TxOK TxStatus = iota
	TxError
)

// RxStatus is the decoded receive status of a completed descriptor.
type RxStatus int

const (
	// RxGood is a frame the checksum engine verified.
	RxGood RxStatus = iota
	// RxDiscard is a frame with a framing or checksum error.
	RxDiscard
	// RxChecksumNone is a good frame the checksum engine did not verify.
	RxChecksumNone
	// RxLLCSNAP is an IEEE 802.3 length frame, the MAC already stripped its
	// pad and FCS.
	RxLLCSNAP
)

func (s RxStatus) String() string {
	switch s {
	case RxGood:
		return "good"
	case RxDiscard:
		return "discard"
	case RxChecksumNone:
		return "checksum-none"
	case RxLLCSNAP:
		return "llc-snap"
	}
	return "unknown"
}

// Codec is the driver half of a descriptor layout.
type Codec interface {
	Kind() Kind

	// BufferSplit is the largest length buffer 1 of a descriptor carries.
	// Longer buffers continue in buffer 2, BufferSplit bytes past buffer 1.
	BufferSplit() int
	// MaxBufferLen is the largest buffer a single descriptor can carry.
	MaxBufferLen() int

	InitTxRing(ring []Descriptor)
	ResetTx(d *Descriptor, endOfRing bool)
	PrepareTx(d *Descriptor, addr dma.Addr, first bool, length int, csum Checksum)
	// PrepareTxBuffers points the descriptor at two unrelated buffers, each
	// at most BufferSplit long.
	PrepareTxBuffers(d *Descriptor, b Buffers, first bool, csum Checksum)
	CloseTx(d *Descriptor, interrupt bool)
	SetTxOwner(d *Descriptor)
	GetTxOwner(d *Descriptor) bool
	GetTxLen(d *Descriptor) int
	IsFirstSegment(d *Descriptor) bool
	IsLastSegment(d *Descriptor) bool
	TxStatus(d *Descriptor) TxStatus

	InitRxRing(ring []Descriptor, bufSize int, disableInterrupt bool)
	SetRxBuffer(d *Descriptor, addr dma.Addr)
	SetRxOwner(d *Descriptor)
	GetRxOwner(d *Descriptor) bool
	RxStatus(d *Descriptor) RxStatus
	GetRxFrameLen(d *Descriptor) int
}

// Buffers are the one or two buffers a descriptor points at.
type Buffers struct {
	Addr1 dma.Addr
	Len1  int
	Addr2 dma.Addr
	Len2  int
}

func (b Buffers) Len() int {
	return b.Len1 + b.Len2
}

// TxRequest is a transmit descriptor as the DMA engine decodes it.
type TxRequest struct {
	Own       bool
	First     bool
	Last      bool
	Interrupt bool
	EndOfRing bool
	Checksum  Checksum
	Buffers
}

// RxRequest is a posted receive descriptor as the DMA engine decodes it.
type RxRequest struct {
	Own              bool
	DisableInterrupt bool
	EndOfRing        bool
	Buffers
}

// RxInfo is what the MAC learned about a received frame.
type RxInfo struct {
	// FrameError covers CRC, length and overflow errors.
	FrameError bool
	// EthernetII is false for IEEE 802.3 length frames.
	EthernetII bool
	// ChecksumBypassed is set when the checksum engine did not look at the
	// frame, because it is not IP or there is no engine.
	ChecksumBypassed bool
	IPHeaderError    bool
	PayloadError     bool
}

// DeviceSide is the DMA engine half of a descriptor layout.
type DeviceSide interface {
	TxRequest(d Descriptor) TxRequest
	// TxWriteback returns the Des0 word written when transmission completes.
	TxWriteback(d Descriptor, ok bool) uint32
	RxRequest(d Descriptor) RxRequest
	// RxWriteback returns the Des0 word written when a frame was stored.
	RxWriteback(frameLen int, info RxInfo) uint32
}

// Layout bundles both halves of a descriptor format.
type Layout interface {
	Codec
	DeviceSide
}

// Lookup returns the layout for k.
func Lookup(k Kind) (Layout, error) {
	switch k {
	case KindNormal:
		return normal{}, nil
	case KindEnhanced:
		return enhanced{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
}

// splitBuffer returns the buffer 1 and buffer 2 lengths for n bytes.
func splitBuffer(n, split int) (int, int) {
	if n <= split {
		return n, 0
	}
	return split, n - split
}
