package gateway

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	itemTypeHash = crypto.Keccak256Hash([]byte(
		"BatchItem(address to,uint256 value,bytes data)",
	))
	batchTypeHash = crypto.Keccak256Hash([]byte(
		"ExecuteBatch(address signer,BatchItem[] items,uint256 nonce,uint256 deadline)BatchItem(address to,uint256 value,bytes data)",
	))
)

// domainSeparator computes the EIP-712 domain separator. The chain ID and the
// gateway's own address are both part of the domain, so a signature is bound
// to exactly one deployment on one network.
func domainSeparator(chainID *big.Int, gatewayAddr common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("MetaTx Gateway"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], gatewayAddr.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// hashItem hashes one BatchItem as a structured sub-record. Hashing each item
// separately (with its payload keccak'd) means two batches with the same
// flattened bytes but different item boundaries never collide.
func hashItem(item BatchItem) [32]byte {
	encoded := make([]byte, 4*32)
	copy(encoded[0:32], itemTypeHash[:])
	copy(encoded[44:64], item.To.Bytes())
	if item.Value != nil {
		item.Value.FillBytes(encoded[64:96])
	}
	payloadHash := crypto.Keccak256Hash(item.Data)
	copy(encoded[96:128], payloadHash[:])
	return crypto.Keccak256Hash(encoded)
}

// BuildDigest renders a batch authorization to the 32-byte value the signer
// signs. Deterministic: the same (domain, signer, items, nonce, deadline)
// always produces the same digest.
func BuildDigest(chainID *big.Int, gatewayAddr, signer common.Address, items []BatchItem, nonce uint64, deadline int64) [32]byte {
	// items[] is hashed per EIP-712 array rules: keccak of concatenated
	// per-item struct hashes.
	concat := make([]byte, 0, len(items)*32)
	for _, item := range items {
		h := hashItem(item)
		concat = append(concat, h[:]...)
	}
	itemsHash := crypto.Keccak256Hash(concat)

	encoded := make([]byte, 5*32)
	copy(encoded[0:32], batchTypeHash[:])
	copy(encoded[44:64], signer.Bytes())
	copy(encoded[64:96], itemsHash[:])
	new(big.Int).SetUint64(nonce).FillBytes(encoded[96:128])
	// The deadline slot is a uint256; a negative deadline has no encoding, so
	// it hashes like the epoch and the result is rejected as expired anyway.
	if deadline > 0 {
		big.NewInt(deadline).FillBytes(encoded[128:160])
	}
	structHash := crypto.Keccak256Hash(encoded)

	sep := domainSeparator(chainID, gatewayAddr)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign signs the request in-place with the given key. Intended for tests and
// the signbatch tool; in production the signature arrives from the user.
func Sign(req *BatchRequest, privKey *ecdsa.PrivateKey, chainID *big.Int, gatewayAddr common.Address) error {
	if req.Deadline < 0 {
		return fmt.Errorf("negative deadline %d", req.Deadline)
	}
	digest := BuildDigest(chainID, gatewayAddr, req.Signer, req.Items, req.Nonce, req.Deadline)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for ecrecover compatibility
	sig[64] += 27
	req.Signature = sig
	return nil
}

// RecoverSigner recovers the address that signed digest. A malformed
// signature, a failed recovery, or a zero recovered address all report
// ErrInvalidSignature.
func RecoverSigner(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	addr := crypto.PubkeyToAddress(*pub)
	if addr == (common.Address{}) {
		return common.Address{}, ErrInvalidSignature
	}
	return addr, nil
}
