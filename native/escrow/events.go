package escrow

import (
	"encoding/hex"
	"strconv"

	"dealvault/core/types"
)

const (
	EventTypeEscrowCreated          = "escrow.created"
	EventTypeEscrowAccepted         = "escrow.accepted"
	EventTypeEscrowFunded           = "escrow.funded"
	EventTypeEscrowAssetSent        = "escrow.asset_sent"
	EventTypeEscrowReleased         = "escrow.released"
	EventTypeEscrowSettled          = "escrow.settled"
	EventTypeEscrowRefunded         = "escrow.refunded"
	EventTypeEscrowReleaseRequested = "escrow.release_requested"
	EventTypeEscrowClosed           = "escrow.closed"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow. The instant flag distinguishes the collapsed flow, where the
// deposit leg is vaulted as part of creation.
func NewCreatedEvent(e *Escrow, instant bool) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	evt.Attributes["flow"] = "staged"
	if instant {
		evt.Attributes["flow"] = "instant"
	}
	return evt
}

// NewAcceptedEvent returns the canonical event payload emitted when the
// seller accepts a pending agreement.
func NewAcceptedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowAccepted, e) }

// NewFundedEvent returns the canonical event payload emitted when the buyer's
// deposit leg is vaulted.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e) }

// NewAssetSentEvent returns the canonical event payload emitted when the
// seller's receive leg is vaulted.
func NewAssetSentEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowAssetSent, e) }

// NewReleasedEvent returns the canonical event payload for the swap
// settlement that pays both counterparties from the vaults.
func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowReleased, e) }

// NewSettledEvent returns the canonical event payload for a one-step
// instant-flow settlement.
func NewSettledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowSettled, e) }

// NewRefundedEvent returns the canonical event payload for a unilateral
// refund of a vaulted leg. The leg attribute names which side was returned.
func NewRefundedEvent(e *Escrow, leg string) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowRefunded, e)
	evt.Attributes["leg"] = leg
	return evt
}

// NewReleaseRequestedEvent returns the canonical event payload emitted when
// the seller raises the advisory release-request flag.
func NewReleaseRequestedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowReleaseRequested, e)
}

// NewClosedEvent returns the canonical event payload emitted when the record
// is reclaimed and the record deposit returned.
func NewClosedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowClosed, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["address"] = hex.EncodeToString(e.Address[:])
	attrs["escrowId"] = e.EscrowID
	attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["depositMint"] = e.DepositMint.String()
	attrs["receiveMint"] = e.ReceiveMint.String()
	if e.DepositAmount != nil {
		attrs["depositAmount"] = e.DepositAmount.String()
	}
	if e.ReceiveAmount != nil {
		attrs["receiveAmount"] = e.ReceiveAmount.String()
	}
	attrs["state"] = e.State.String()
	attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	attrs["expiry"] = strconv.FormatInt(e.Expiry, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
