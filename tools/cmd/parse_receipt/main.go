package main

import (
	"fmt"
	"os"

	"splitbill/pkg/receipt"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: go run ./tools/cmd/parse_receipt <image>")
		os.Exit(2)
	}
	p := os.Args[1]
	pipeline := receipt.NewPipeline(nil)
	items, err := pipeline.ParseReceipt(p)
	fmt.Printf("ParseReceipt err=%v\n", err)
	fmt.Printf("items=%d\n", len(items))
	for i, it := range items {
		fmt.Printf("%2d  %-30s %8.2f\n", i, it.Name, it.Price)
	}
}
