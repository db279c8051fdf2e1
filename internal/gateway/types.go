package gateway

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BatchItem is one call the signer authorizes the relayer to make on their
// behalf. Value is denominated in the chain's native asset.
type BatchItem struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  []byte         `json:"data"`
}

// BatchRequest is the signed authorization a relayer submits. Items, Nonce
// and Deadline are covered by the EIP-712 signature; nothing else is.
type BatchRequest struct {
	Signer    common.Address `json:"signer"`
	Items     []BatchItem    `json:"items"`
	Nonce     uint64         `json:"nonce"`
	Deadline  int64          `json:"deadline"`
	Signature []byte         `json:"signature"`
}

// ExecutionRecord is the immutable audit entry written once per accepted
// batch. ItemSuccess preserves dispatch order.
type ExecutionRecord struct {
	BatchID       uint64         `json:"batch_id"`
	Signer        common.Address `json:"signer"`
	Relayer       common.Address `json:"relayer"`
	ItemCount     int            `json:"item_count"`
	TotalRequired *big.Int       `json:"total_required"`
	TotalUsed     *big.Int       `json:"total_used"`
	Refunded      *big.Int       `json:"refunded"`
	ItemSuccess   []bool         `json:"item_success"`
	ExecutedAt    int64          `json:"executed_at"`
}

// Redis key layout. Fields are only ever added, never renamed or moved, so
// state written by an older build stays readable.
const (
	nonceHashKey   = "gateway:nonces"   // hash: signer (lowercase hex) -> nonce
	relayerHashKey = "gateway:relayers" // hash: relayer (lowercase hex) -> "1"
	batchIDKey     = "gateway:batch_id" // string: last assigned batch id
)
