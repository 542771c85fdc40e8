package evm

import (
	"fmt"
	"math/big"

	"github.com/devblac/netflow-tower/internal/classify"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Chain is the identifier for EVM chains.
const Chain = "evm"

// TransferEventSignature is the canonical ERC-20 Transfer event signature.
const TransferEventSignature = "Transfer(address,address,uint256)"

// TransferTopic is topic0 of every ERC-20 Transfer log.
var TransferTopic = crypto.Keccak256Hash([]byte(TransferEventSignature))

// Transfer is a decoded Transfer log. Direction is set once the transfer has been classified.
type Transfer struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	From        common.Address
	To          common.Address
	Amount      *big.Int
	Direction   classify.Direction
}

// DecodeError reports a log that does not have the Transfer event's fixed encoding.
// It is local to the log: the caller skips it and keeps going.
type DecodeError struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Reason      string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s#%d (block %d): %s", e.TxHash.Hex(), e.LogIndex, e.BlockNumber, e.Reason)
}
