package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/DINetworks/metatx-relay/internal/gateway"
	"github.com/DINetworks/metatx-relay/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: creditbal <address> [redis-addr]")
		os.Exit(2)
	}
	addr := common.HexToAddress(os.Args[1])
	redisAddr := "localhost:6379"
	if len(os.Args) > 2 {
		redisAddr = os.Args[2]
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	vst, err := vault.LoadState(ctx, rdb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load vault state: %v\n", err)
		os.Exit(1)
	}
	gst, err := gateway.LoadState(ctx, rdb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load gateway state: %v\n", err)
		os.Exit(1)
	}

	credits := "0"
	if c, ok := vst.Credits[addr]; ok {
		credits = c.String()
	}
	fmt.Printf("credits:       %s\n", credits)
	fmt.Printf("nonce:         %d\n", gst.Nonces[addr])
	fmt.Printf("consumed pool: %s\n", vst.ConsumedPool.String())

	assets := make([]common.Address, 0, len(vst.Assets))
	for asset := range vst.Assets {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Hex() < assets[j].Hex() })
	for _, asset := range assets {
		kind := "priced"
		if vst.Assets[asset] {
			kind = "fixed"
		}
		held := "0"
		if h, ok := vst.Held[asset]; ok {
			held = h.String()
		}
		fmt.Printf("asset %s  %s  held %s\n", asset.Hex(), kind, held)
	}
}
