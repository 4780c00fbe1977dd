package p2p

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Message types carried by the relay.
const (
	TypePing         = "ping"
	TypeFundsBridged = "funds_bridged"
	TypeBridgeCall   = "bridge_call"
)

// Message is the generic envelope for any message sent over the network.
// ID is stable across retries so receivers can dedupe.
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// FundsBridgedPayload announces tokens bridged into the pool with their call data.
type FundsBridgedPayload struct {
	ID      common.Hash    `json:"id"`
	Token   common.Address `json:"token"`
	Amount  *big.Int       `json:"amount"`
	Payload hexutil.Bytes  `json:"payload"`
}

// BridgeCallPayload carries an outbound relayTokensAndCall to the origin domain.
type BridgeCallPayload struct {
	ID       common.Hash    `json:"id"`
	Token    common.Address `json:"token"`
	Receiver common.Address `json:"receiver"`
	Amount   *big.Int       `json:"amount"`
	Data     hexutil.Bytes  `json:"data"`
}

// PingPayload is answered with 200 by any live node.
type PingPayload struct {
	SenderID string `json:"senderId"`
}
