//go:build ignore

// Command compare_stores diffs the chunk inventories of two store
// directories. Useful after a repair run to check that two holders
// converged on the same replica set.
package main

import (
	"fmt"
	"os"

	"safenet/internal/chunk"
	"safenet/internal/store"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <store1_root> <store2_root>\n", os.Args[0])
		os.Exit(1)
	}

	a, err := open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	defer a.Close()

	b, err := open(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	defer b.Close()

	onlyA, onlyB, err := diff(a, b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diff: %v\n", err)
		os.Exit(1)
	}

	for _, addr := range onlyA {
		fmt.Printf("< %s\n", addr)
	}
	for _, addr := range onlyB {
		fmt.Printf("> %s\n", addr)
	}

	if len(onlyA) == 0 && len(onlyB) == 0 {
		fmt.Println("stores hold identical chunk sets")
		return
	}

	os.Exit(2)
}

func open(root string) (*store.Store, error) {
	return store.Open(store.Config{Root: root, CapacityBytes: 1 << 40})
}

func diff(a, b *store.Store) (onlyA, onlyB []chunk.Address, err error) {
	addrsA, err := a.Addresses()
	if err != nil {
		return nil, nil, err
	}

	addrsB, err := b.Addresses()
	if err != nil {
		return nil, nil, err
	}

	inA := make(map[chunk.Address]struct{}, len(addrsA))
	for _, addr := range addrsA {
		inA[addr] = struct{}{}
	}

	for _, addr := range addrsB {
		if _, ok := inA[addr]; ok {
			delete(inA, addr)
			continue
		}

		onlyB = append(onlyB, addr)
	}

	for _, addr := range addrsA {
		if _, ok := inA[addr]; ok {
			onlyA = append(onlyA, addr)
		}
	}

	return onlyA, onlyB, nil
}
