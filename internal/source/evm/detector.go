package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/netflow-tower/internal/classify"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const erc20TransferABI = `[
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}
	]}
]`

// Detector decodes Transfer logs of one token contract and classifies them.
type Detector struct {
	contract   common.Address
	topic      common.Hash
	amount     abi.Arguments
	classifier classify.Classifier
}

// DetectResult summarizes one pass over a set of logs.
type DetectResult struct {
	Transfers  []Transfer
	Decoded    int
	Irrelevant int
	Errors     []*DecodeError
}

// NewDetector builds a detector for contract. A Transfer event found in abis overrides the built-in ERC-20 definition.
func NewDetector(contract common.Address, abis map[string]*abi.ABI, classifier classify.Classifier) (*Detector, error) {
	if classifier == nil {
		return nil, errors.New("detector: classifier is required")
	}
	if contract == (common.Address{}) {
		return nil, errors.New("detector: token contract is required")
	}
	ev, ok := FindEvent(abis, "Transfer")
	if !ok {
		builtin, err := abi.JSON(strings.NewReader(erc20TransferABI))
		if err != nil {
			return nil, fmt.Errorf("parse erc20 abi: %w", err)
		}
		e := builtin.Events["Transfer"]
		ev = &e
	}
	if err := checkTransferEvent(ev); err != nil {
		return nil, err
	}
	return &Detector{
		contract:   contract,
		topic:      ev.ID,
		amount:     ev.Inputs.NonIndexed(),
		classifier: classifier,
	}, nil
}

func checkTransferEvent(ev *abi.Event) error {
	if ev.ID != TransferTopic {
		return fmt.Errorf("transfer event %s does not match %s", ev.Sig, TransferEventSignature)
	}
	if len(ev.Inputs) != 3 {
		return fmt.Errorf("transfer event: expected 3 inputs, got %d", len(ev.Inputs))
	}
	for i, in := range ev.Inputs[:2] {
		if !in.Indexed || in.Type.T != abi.AddressTy {
			return fmt.Errorf("transfer event: input %d must be an indexed address", i)
		}
	}
	if in := ev.Inputs[2]; in.Indexed || in.Type.T != abi.UintTy || in.Type.Size != 256 {
		return errors.New("transfer event: value must be a non-indexed uint256")
	}
	return nil
}

// Contract returns the token contract being decoded.
func (d *Detector) Contract() common.Address { return d.contract }

// Topic returns topic0 of the Transfer event.
func (d *Detector) Topic() common.Hash { return d.topic }

// Classifier returns the active classifier.
func (d *Detector) Classifier() classify.Classifier { return d.classifier }

// Decode extracts sender, recipient and amount from a Transfer log.
func (d *Detector) Decode(lg types.Log) (Transfer, error) {
	fail := func(format string, args ...any) (Transfer, error) {
		return Transfer{}, &DecodeError{
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash,
			LogIndex:    lg.Index,
			Reason:      fmt.Sprintf(format, args...),
		}
	}
	if lg.Address != d.contract {
		return fail("unexpected contract %s", lg.Address.Hex())
	}
	if len(lg.Topics) != 3 {
		return fail("expected 3 topics, got %d", len(lg.Topics))
	}
	if lg.Topics[0] != d.topic {
		return fail("unexpected topic0 %s", lg.Topics[0].Hex())
	}
	from, ok := topicAddress(lg.Topics[1])
	if !ok {
		return fail("malformed sender topic %s", lg.Topics[1].Hex())
	}
	to, ok := topicAddress(lg.Topics[2])
	if !ok {
		return fail("malformed recipient topic %s", lg.Topics[2].Hex())
	}
	if len(lg.Data) != 32 {
		return fail("amount payload must be 32 bytes, got %d", len(lg.Data))
	}
	vals, err := d.amount.Unpack(lg.Data)
	if err != nil {
		return fail("unpack amount: %v", err)
	}
	if len(vals) != 1 {
		return fail("expected 1 data value, got %d", len(vals))
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return fail("amount has type %T", vals[0])
	}
	return Transfer{
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		From:        from,
		To:          to,
		Amount:      amount,
	}, nil
}

// Detect decodes and classifies logs in order. Undecodable logs are collected in Errors and skipped;
// transfers that are not relevant to the watched set are counted and dropped.
func (d *Detector) Detect(logs []types.Log) DetectResult {
	var res DetectResult
	for _, lg := range logs {
		tr, err := d.Decode(lg)
		if err != nil {
			var decErr *DecodeError
			if errors.As(err, &decErr) {
				res.Errors = append(res.Errors, decErr)
			}
			continue
		}
		res.Decoded++
		tr.Direction = d.classifier.Classify(tr.From, tr.To)
		if tr.Direction == classify.NotRelevant {
			res.Irrelevant++
			continue
		}
		res.Transfers = append(res.Transfers, tr)
	}
	return res
}

// topicAddress reads an address from a 32-byte indexed topic; the upper 12 bytes must be zero.
func topicAddress(h common.Hash) (common.Address, bool) {
	for _, b := range h[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(h[12:]), true
}
