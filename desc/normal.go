package desc

import "github.com/nicring/nicring/dma"

// Normal layout. Control bits live in Des1 for both directions, there is no
// checksum engine.
const (
	ntdes0ErrSum    = 15
	ntdes0Underflow = 1
	ntdes0Status    = 1<<17 - 1
	ntdes1Interrupt = 31
	ntdes1Last      = 30
	ntdes1First     = 29
	ntdes1EndOfRing = 25

	nrdes0LenShift  = 16
	nrdes0ErrSum    = 15
	nrdes0First     = 9
	nrdes0Last      = 8
	nrdes0FrameType = 5
	nrdes0CRCError  = 1
	nrdes1DisableIC = 31
	nrdes1EndOfRing = 25

	ndes1Buf2Shift  = 12
	ndesBufWidth    = 12
	ndesFrameLenLen = 14

	normalSplit = 2 * 1024
)

type normal struct{}

func (normal) Kind() Kind { return KindNormal }
func (normal) BufferSplit() int { return normalSplit }
func (normal) MaxBufferLen() int { return 2 * normalSplit }

func (n normal) InitTxRing(ring []Descriptor) {
	for i := range ring {
		var d Descriptor
		n.ResetTx(&d, i == len(ring)-1)
		Commit(&ring[i], d)
	}
}

func (normal) ResetTx(d *Descriptor, endOfRing bool) {
	*d = Descriptor{Des1: setBit(0, ntdes1EndOfRing, endOfRing)}
}

func (n normal) PrepareTx(d *Descriptor, addr dma.Addr, first bool, length int, csum Checksum) {
	b := Buffers{Addr1: addr}
	b.Len1, b.Len2 = splitBuffer(length, normalSplit)
	if b.Len2 > 0 {
		b.Addr2 = addr + normalSplit
	}
	n.PrepareTxBuffers(d, b, first, csum)
}

// PrepareTxBuffers ignores csum, the normal layout has no insertion engine.
func (normal) PrepareTxBuffers(d *Descriptor, b Buffers, first bool, _ Checksum) {
	d.Des1 = setField(d.Des1, 0, ndesBufWidth, uint32(b.Len1))
	d.Des1 = setField(d.Des1, ndes1Buf2Shift, ndesBufWidth, uint32(b.Len2))
	d.Des1 = setBit(d.Des1, ntdes1First, first)
	d.Des2 = uint32(b.Addr1)
	d.Des3 = uint32(b.Addr2)
}

func (normal) CloseTx(d *Descriptor, interrupt bool) {
	d.Des1 = setBit(d.Des1, ntdes1Last, true)
	d.Des1 = setBit(d.Des1, ntdes1Interrupt, interrupt)
}

func (normal) SetTxOwner(d *Descriptor) { d.Des0 |= OwnBit }
func (normal) GetTxOwner(d *Descriptor) bool { return d.Des0&OwnBit != 0 }

func (normal) GetTxLen(d *Descriptor) int {
	return int(field(d.Des1, 0, ndesBufWidth) + field(d.Des1, ndes1Buf2Shift, ndesBufWidth))
}

func (normal) IsFirstSegment(d *Descriptor) bool { return hasBit(d.Des1, ntdes1First) }
func (normal) IsLastSegment(d *Descriptor) bool { return hasBit(d.Des1, ntdes1Last) }

func (normal) TxStatus(d *Descriptor) TxStatus {
	if hasBit(d.Des0, ntdes0ErrSum) {
		return TxError
	}
	return TxOK
}

func (normal) InitRxRing(ring []Descriptor, bufSize int, disableInterrupt bool) {
	b1, b2 := splitBuffer(bufSize, normalSplit)
	for i := range ring {
		var d Descriptor
		d.Des1 = setField(0, 0, ndesBufWidth, uint32(b1))
		d.Des1 = setField(d.Des1, ndes1Buf2Shift, ndesBufWidth, uint32(b2))
		d.Des1 = setBit(d.Des1, nrdes1DisableIC, disableInterrupt)
		d.Des1 = setBit(d.Des1, nrdes1EndOfRing, i == len(ring)-1)
		Commit(&ring[i], d)
	}
}

func (normal) SetRxBuffer(d *Descriptor, addr dma.Addr) {
	d.Des2 = uint32(addr)
	d.Des3 = 0
	if field(d.Des1, ndes1Buf2Shift, ndesBufWidth) > 0 {
		d.Des3 = uint32(addr) + field(d.Des1, 0, ndesBufWidth)
	}
}

func (normal) SetRxOwner(d *Descriptor) { d.Des0 = OwnBit }
func (normal) GetRxOwner(d *Descriptor) bool { return d.Des0&OwnBit != 0 }

// RxStatus never reports a verified checksum.
func (normal) RxStatus(d *Descriptor) RxStatus {
	w := d.Des0
	if hasBit(w, nrdes0ErrSum) || !hasBit(w, nrdes0First) || !hasBit(w, nrdes0Last) {
		return RxDiscard
	}
	return RxChecksumNone
}

func (normal) GetRxFrameLen(d *Descriptor) int {
	return int(field(d.Des0, nrdes0LenShift, ndesFrameLenLen))
}

func (normal) TxRequest(d Descriptor) TxRequest {
	return TxRequest{
		Own:       d.Des0&OwnBit != 0,
		First:     hasBit(d.Des1, ntdes1First),
		Last:      hasBit(d.Des1, ntdes1Last),
		Interrupt: hasBit(d.Des1, ntdes1Interrupt),
		EndOfRing: hasBit(d.Des1, ntdes1EndOfRing),
		Checksum:  ChecksumNone,
		Buffers: Buffers{
			Addr1: dma.Addr(d.Des2),
			Len1:  int(field(d.Des1, 0, ndesBufWidth)),
			Addr2: dma.Addr(d.Des3),
			Len2:  int(field(d.Des1, ndes1Buf2Shift, ndesBufWidth)),
		},
	}
}

func (normal) TxWriteback(d Descriptor, ok bool) uint32 {
	w := d.Des0 &^ OwnBit &^ ntdes0Status
	if !ok {
		w |= 1<<ntdes0ErrSum | 1<<ntdes0Underflow
	}
	return w
}

func (normal) RxRequest(d Descriptor) RxRequest {
	return RxRequest{
		Own:              d.Des0&OwnBit != 0,
		DisableInterrupt: hasBit(d.Des1, nrdes1DisableIC),
		EndOfRing:        hasBit(d.Des1, nrdes1EndOfRing),
		Buffers: Buffers{
			Addr1: dma.Addr(d.Des2),
			Len1:  int(field(d.Des1, 0, ndesBufWidth)),
			Addr2: dma.Addr(d.Des3),
			Len2:  int(field(d.Des1, ndes1Buf2Shift, ndesBufWidth)),
		},
	}
}

func (normal) RxWriteback(frameLen int, info RxInfo) uint32 {
	w := setField(0, nrdes0LenShift, ndesFrameLenLen, uint32(frameLen))
	w |= 1<<nrdes0First | 1<<nrdes0Last
	w = setBit(w, nrdes0FrameType, info.EthernetII)
	if info.FrameError {
		w |= 1<<nrdes0ErrSum | 1<<nrdes0CRCError
	}
	return w
}
