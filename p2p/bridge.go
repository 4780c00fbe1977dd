// bridge.go - The relay as the bridge transport between the pool and the origin domain.

package p2p

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"shieldedpool/internal/transactions/bridge"
	"shieldedpool/internal/transactions/withdraw"
)

// BridgeChannel sends outbound bridge calls to one peer.
type BridgeChannel struct {
	node *Node
	peer string
}

var _ bridge.Channel = (*BridgeChannel)(nil)

// NewBridgeChannel returns a channel delivering to peer.
func NewBridgeChannel(n *Node, peer string) *BridgeChannel {
	return &BridgeChannel{node: n, peer: peer}
}

// SendToBridge relays call. The call id doubles as the message id so retries are deduped.
func (c *BridgeChannel) SendToBridge(ctx context.Context, call bridge.OutboundCall) error {
	return c.node.SendMessageWithID(ctx, c.peer, call.ID.Hex(), TypeBridgeCall, BridgeCallPayload{
		ID:       call.ID,
		Token:    call.Token,
		Receiver: call.Receiver,
		Amount:   call.Amount,
		Data:     call.Data,
	})
}

// ForwardFundsBridged relays an inbound deposit to the pool node.
func ForwardFundsBridged(ctx context.Context, n *Node, peer string, m bridge.Message) error {
	id := m.MessageID()
	return n.SendMessageWithID(ctx, peer, id.Hex(), TypeFundsBridged, FundsBridgedPayload{
		ID:      id,
		Token:   m.Token,
		Amount:  m.Amount,
		Payload: m.Payload,
	})
}

// ServeFundsBridged applies inbound deposits from bridgePeer through r. Messages from
// any other sender are refused.
func ServeFundsBridged(n *Node, bridgePeer string, r *bridge.Reconciler) {
	n.RegisterHandler(TypeFundsBridged, func(ctx context.Context, n *Node, msg Message) error {
		if msg.SenderID != bridgePeer {
			return &BadMessageError{Err: fmt.Errorf("%w: bridged funds from %q", ErrUnknownSender, msg.SenderID)}
		}
		var p FundsBridgedPayload
		if err := Decode(msg, &p); err != nil {
			return err
		}
		out, err := r.OnFundsBridged(ctx, bridge.Message{ID: p.ID, Token: p.Token, Amount: p.Amount, Payload: p.Payload})
		if err != nil {
			return err
		}
		n.log.Info().Str("message", out.ID.Hex()).Bool("accepted", out.Accepted).Msg("bridged funds processed")
		return nil
	})
}

// ServeBridgeCalls settles outbound calls addressed to self through u. Fees go to feeReceiver.
func ServeBridgeCalls(n *Node, self common.Address, u *withdraw.Unwrapper, feeReceiver common.Address) {
	n.RegisterHandler(TypeBridgeCall, func(ctx context.Context, n *Node, msg Message) error {
		var p BridgeCallPayload
		if err := Decode(msg, &p); err != nil {
			return err
		}
		if p.Receiver != self {
			return &BadMessageError{Err: fmt.Errorf("call for %s, this is %s", p.Receiver.Hex(), self.Hex())}
		}
		s, err := u.OnTokenBridged(ctx, withdraw.Delivery{
			ID:          p.ID,
			Token:       p.Token,
			Value:       p.Amount,
			Data:        p.Data,
			FeeReceiver: feeReceiver,
		})
		if err != nil {
			return err
		}
		n.log.Info().Str("delivery", s.ID.Hex()).Bool("custody", s.Custody).Msg("bridge call settled")
		return nil
	})
}
