package desc

import "github.com/nicring/nicring/dma"

// Enhanced layout. Transmit control lives in Des0 next to the status bits,
// Des1 only carries the buffer sizes.
const (
	etdes0Interrupt = 30
	etdes0Last      = 29
	etdes0First     = 28
	etdes0CICShift  = 22
	etdes0EndOfRing = 21
	etdes0ErrSum    = 15
	etdes0Underflow = 1
	etdes0Status    = 1<<17 - 1

	erdes0LenShift    = 16
	erdes0ErrSum      = 15
	erdes0First       = 9
	erdes0Last        = 8
	erdes0IPCError    = 7
	erdes0FrameType   = 5
	erdes0CRCError    = 1
	erdes0PayloadErr  = 0
	erdes1DisableIC   = 31
	erdes1EndOfRing   = 15
	edes1Buf2Shift    = 16
	edesBufWidth      = 14
	edesFrameLenWidth = 14

	enhancedSplit = 8 * 1024
)

type enhanced struct{}

func (enhanced) Kind() Kind { return KindEnhanced }
func (enhanced) BufferSplit() int { return enhancedSplit }
func (enhanced) MaxBufferLen() int { return 2 * enhancedSplit }

func (e enhanced) InitTxRing(ring []Descriptor) {
	for i := range ring {
		var d Descriptor
		e.ResetTx(&d, i == len(ring)-1)
		Commit(&ring[i], d)
	}
}

func (enhanced) ResetTx(d *Descriptor, endOfRing bool) {
	*d = Descriptor{Des0: setBit(0, etdes0EndOfRing, endOfRing)}
}

func (e enhanced) PrepareTx(d *Descriptor, addr dma.Addr, first bool, length int, csum Checksum) {
	b := Buffers{Addr1: addr}
	b.Len1, b.Len2 = splitBuffer(length, enhancedSplit)
	if b.Len2 > 0 {
		b.Addr2 = addr + enhancedSplit
	}
	e.PrepareTxBuffers(d, b, first, csum)
}

func (enhanced) PrepareTxBuffers(d *Descriptor, b Buffers, first bool, csum Checksum) {
	d.Des1 = setField(0, 0, edesBufWidth, uint32(b.Len1))
	d.Des1 = setField(d.Des1, edes1Buf2Shift, edesBufWidth, uint32(b.Len2))
	d.Des2 = uint32(b.Addr1)
	d.Des3 = uint32(b.Addr2)

	d.Des0 = setBit(d.Des0, etdes0First, first)
	d.Des0 = setField(d.Des0, etdes0CICShift, 2, uint32(csum))
}

func (enhanced) CloseTx(d *Descriptor, interrupt bool) {
	d.Des0 = setBit(d.Des0, etdes0Last, true)
	d.Des0 = setBit(d.Des0, etdes0Interrupt, interrupt)
}

func (enhanced) SetTxOwner(d *Descriptor) { d.Des0 |= OwnBit }
func (enhanced) GetTxOwner(d *Descriptor) bool { return d.Des0&OwnBit != 0 }

func (enhanced) GetTxLen(d *Descriptor) int {
	return int(field(d.Des1, 0, edesBufWidth) + field(d.Des1, edes1Buf2Shift, edesBufWidth))
}

func (enhanced) IsFirstSegment(d *Descriptor) bool { return hasBit(d.Des0, etdes0First) }
func (enhanced) IsLastSegment(d *Descriptor) bool { return hasBit(d.Des0, etdes0Last) }

func (enhanced) TxStatus(d *Descriptor) TxStatus {
	if hasBit(d.Des0, etdes0ErrSum) {
		return TxError
	}
	return TxOK
}

func (enhanced) InitRxRing(ring []Descriptor, bufSize int, disableInterrupt bool) {
	b1, b2 := splitBuffer(bufSize, enhancedSplit)
	for i := range ring {
		var d Descriptor
		d.Des1 = setField(0, 0, edesBufWidth, uint32(b1))
		d.Des1 = setField(d.Des1, edes1Buf2Shift, edesBufWidth, uint32(b2))
		d.Des1 = setBit(d.Des1, erdes1DisableIC, disableInterrupt)
		d.Des1 = setBit(d.Des1, erdes1EndOfRing, i == len(ring)-1)
		Commit(&ring[i], d)
	}
}

func (enhanced) SetRxBuffer(d *Descriptor, addr dma.Addr) {
	d.Des2 = uint32(addr)
	d.Des3 = 0
	if field(d.Des1, edes1Buf2Shift, edesBufWidth) > 0 {
		d.Des3 = uint32(addr) + field(d.Des1, 0, edesBufWidth)
	}
}

// SetRxOwner hands the descriptor back to the engine and clears the status of
// the previous frame.
func (enhanced) SetRxOwner(d *Descriptor) { d.Des0 = OwnBit }
func (enhanced) GetRxOwner(d *Descriptor) bool { return d.Des0&OwnBit != 0 }

func (enhanced) RxStatus(d *Descriptor) RxStatus {
	w := d.Des0
	if hasBit(w, erdes0ErrSum) {
		return RxDiscard
	}

	// Frames larger than one buffer are never posted, so a frame spanning
	// descriptors is a framing error as far as the ring is concerned.
	if !hasBit(w, erdes0First) || !hasBit(w, erdes0Last) {
		return RxDiscard
	}

	// frame type, ip header error, payload error
	status := field(w, erdes0FrameType, 1)<<2 | field(w, erdes0IPCError, 1)<<1 | field(w, erdes0PayloadErr, 1)
	switch status {
	case 0x0:
		return RxLLCSNAP
	case 0x4:
		return RxGood
	case 0x3, 0x5, 0x6, 0x7:
		return RxChecksumNone
	}
	return RxDiscard
}

func (enhanced) GetRxFrameLen(d *Descriptor) int {
	return int(field(d.Des0, erdes0LenShift, edesFrameLenWidth))
}

func (enhanced) TxRequest(d Descriptor) TxRequest {
	return TxRequest{
		Own:       d.Des0&OwnBit != 0,
		First:     hasBit(d.Des0, etdes0First),
		Last:      hasBit(d.Des0, etdes0Last),
		Interrupt: hasBit(d.Des0, etdes0Interrupt),
		EndOfRing: hasBit(d.Des0, etdes0EndOfRing),
		Checksum:  Checksum(field(d.Des0, etdes0CICShift, 2)),
		Buffers: Buffers{
			Addr1: dma.Addr(d.Des2),
			Len1:  int(field(d.Des1, 0, edesBufWidth)),
			Addr2: dma.Addr(d.Des3),
			Len2:  int(field(d.Des1, edes1Buf2Shift, edesBufWidth)),
		},
	}
}

func (enhanced) TxWriteback(d Descriptor, ok bool) uint32 {
	w := d.Des0 &^ OwnBit &^ etdes0Status
	if !ok {
		w |= 1<<etdes0ErrSum | 1<<etdes0Underflow
	}
	return w
}

func (enhanced) RxRequest(d Descriptor) RxRequest {
	return RxRequest{
		Own:              d.Des0&OwnBit != 0,
		DisableInterrupt: hasBit(d.Des1, erdes1DisableIC),
		EndOfRing:        hasBit(d.Des1, erdes1EndOfRing),
		Buffers: Buffers{
			Addr1: dma.Addr(d.Des2),
			Len1:  int(field(d.Des1, 0, edesBufWidth)),
			Addr2: dma.Addr(d.Des3),
			Len2:  int(field(d.Des1, edes1Buf2Shift, edesBufWidth)),
		},
	}
}

func (enhanced) RxWriteback(frameLen int, info RxInfo) uint32 {
	w := setField(0, erdes0LenShift, edesFrameLenWidth, uint32(frameLen))
	w |= 1<<erdes0First | 1<<erdes0Last
	if info.FrameError {
		w |= 1<<erdes0ErrSum | 1<<erdes0CRCError
	}

	w = setBit(w, erdes0FrameType, info.EthernetII)
	switch {
	case info.ChecksumBypassed && info.EthernetII:
		w |= 1<<erdes0IPCError | 1<<erdes0PayloadErr
	case info.EthernetII:
		w = setBit(w, erdes0IPCError, info.IPHeaderError)
		w = setBit(w, erdes0PayloadErr, info.PayloadError)
	}
	return w
}
