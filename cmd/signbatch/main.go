// cmd/signbatch/main.go — signs a batch of meta-transaction items with a
// local private key and prints the request JSON ready for POST /api/batch.
//
// Usage:
//
//	go run ./cmd/signbatch/ --key <hex-privkey> --chain-id 16600 \
//	  --gateway 0x... --nonce 0 --ttl 300 \
//	  --items '[{"to":"0x...","value":"1000000000000000000","data":"0x"}]'
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/DINetworks/metatx-relay/internal/gateway"
)

type itemJSON struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

func parseItems(raw string) ([]gateway.BatchItem, error) {
	var in []itemJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("parse items: %w", err)
	}
	items := make([]gateway.BatchItem, 0, len(in))
	for i, it := range in {
		value := big.NewInt(0)
		if it.Value != "" {
			v, ok := new(big.Int).SetString(it.Value, 10)
			if !ok {
				return nil, fmt.Errorf("item %d: bad value %q", i, it.Value)
			}
			value = v
		}
		var data []byte
		if trimmed := strings.TrimPrefix(it.Data, "0x"); trimmed != "" {
			d, err := hex.DecodeString(trimmed)
			if err != nil {
				return nil, fmt.Errorf("item %d: bad data: %w", i, err)
			}
			data = d
		}
		items = append(items, gateway.BatchItem{
			To:    common.HexToAddress(it.To),
			Value: value,
			Data:  data,
		})
	}
	return items, nil
}

func main() {
	keyHex := flag.String("key", "", "signer private key hex (required)")
	chainID := flag.Int64("chain-id", 16600, "EIP-712 domain chain id")
	gatewayAddr := flag.String("gateway", "", "gateway verifying address (required)")
	nonce := flag.Uint64("nonce", 0, "signer nonce (query GET /api/nonce/:address)")
	ttl := flag.Int64("ttl", 300, "deadline as seconds from now")
	itemsRaw := flag.String("items", "", "batch items JSON array (required)")
	flag.Parse()

	if *keyHex == "" || *gatewayAddr == "" || *itemsRaw == "" {
		flag.Usage()
		os.Exit(2)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse key: %v\n", err)
		os.Exit(1)
	}
	items, err := parseItems(*itemsRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	req := &gateway.BatchRequest{
		Signer:   crypto.PubkeyToAddress(key.PublicKey),
		Items:    items,
		Nonce:    *nonce,
		Deadline: time.Now().Unix() + *ttl,
	}
	if err := gateway.Sign(req, key, big.NewInt(*chainID), common.HexToAddress(*gatewayAddr)); err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}

	out := map[string]any{
		"signer":         req.Signer.Hex(),
		"nonce":          req.Nonce,
		"deadline":       req.Deadline,
		"items":          json.RawMessage(*itemsRaw),
		"signature":      "0x" + hex.EncodeToString(req.Signature),
		"required_value": gateway.CalculateRequiredValue(items).String(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
