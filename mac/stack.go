package mac

// ChecksumStatus annotates a received frame.
type ChecksumStatus int

const (
	// ChecksumNone means the stack has to verify the checksum itself.
	ChecksumNone ChecksumStatus = iota
	// ChecksumUnnecessary means the MAC verified the checksum.
	ChecksumUnnecessary
)

func (c ChecksumStatus) String() string {
	if c == ChecksumUnnecessary {
		return "unnecessary"
	}
	return "none"
}

// Stack is the network stack sitting on top of the device.
//
// DeliverFrame and FrameTransmitted are called from the poll goroutine.
// DeliverFrame must not call back into the receive path, FrameTransmitted may
// submit new frames. QueueStopped and QueueWoken run with the transmit lock
// held and must not submit.
type Stack interface {
	// DeliverFrame hands a received frame to the stack, which owns b from now
	// on.
	DeliverFrame(b []byte, csum ChecksumStatus)
	// FrameTransmitted reports the completion of a submitted frame. ok is
	// false for frames the MAC failed to send and for frames dropped by a
	// transmit reset.
	FrameTransmitted(ok bool, length int)
	// QueueStopped asks the stack to stop submitting frames.
	QueueStopped()
	// QueueWoken allows submissions again.
	QueueWoken()
}
