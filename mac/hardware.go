package mac

import (
	"context"

	"github.com/nicring/nicring/desc"
)

// DMAStatus is the decoded DMA interrupt status.
type DMAStatus int

const (
	StatusNone DMAStatus = iota
	// StatusWorkPending means a transmit or receive completion happened.
	StatusWorkPending
	// StatusTxSoftError means the transmit FIFO underflowed, the threshold
	// should be raised.
	StatusTxSoftError
	// StatusTxHardError means the transmit DMA is wedged.
	StatusTxHardError
)

func (s DMAStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusWorkPending:
		return "work-pending"
	case StatusTxSoftError:
		return "tx-soft-error"
	case StatusTxHardError:
		return "tx-hard-error"
	}
	return "unknown"
}

// DMAMode is the transmit start policy of the DMA engine.
type DMAMode struct {
	// TxThreshold is the number of bytes in the FIFO before transmission
	// starts. Ignored in store and forward mode.
	TxThreshold     int
	StoreAndForward bool
}

// Hardware is the register level interface to a MAC DMA engine.
type Hardware interface {
	// InitDMA tells the engine where the descriptor rings are.
	InitDMA(tx, rx []desc.Descriptor) error
	DoorbellTransmit()

	// StartTx starts the transmit engine. After StopTx it restarts at the
	// first descriptor of the ring.
	StartTx()
	StopTx()
	StartRx()
	StopRx()

	SetDMAMode(mode DMAMode)

	// InterruptStatus reads and acknowledges the DMA status.
	InterruptStatus() DMAStatus
	EnableInterrupts()
	DisableInterrupts()
	// WaitInterrupt blocks until the interrupt line is asserted.
	WaitInterrupt(ctx context.Context) error
}
