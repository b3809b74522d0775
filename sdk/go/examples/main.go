package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"PoH-Ledger/internal/api"
	"PoH-Ledger/internal/ledger"
	"PoH-Ledger/internal/node"
	"PoH-Ledger/sdk/go/pohclient"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc, err := node.New(ctx, ledger.New())
	if err != nil {
		panic(err)
	}
	srv := httptest.NewServer(api.NewServer(":0", svc).Handler())
	defer srv.Close()

	client, err := pohclient.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	tx, err := client.SubmitTransaction(ctx, pohclient.TransactionRequest{From: "Alice", To: "Bob", Amount: 50})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted %s anchored at %s\n", tx.ID.Hex(), tx.AnchorHash.Hex())

	slot, err := client.CloseSlot(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("slot %d closed at counter %d (%s)\n", slot.Number, slot.CloseCounter, slot.CloseHash.Hex())

	result, err := client.Verify(ctx, 0, int(slot.Number))
	if err != nil {
		panic(err)
	}
	fmt.Printf("range [0, %d] valid=%v\n", slot.Number, result.Valid)
}
