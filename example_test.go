package bufmgr_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/bufmgr"
	"github.com/hupe1980/bufmgr/stree"
	"github.com/hupe1980/bufmgr/types"
)

// Example_tupleBuffer buffers rows and reads them back batch by batch.
func Example_tupleBuffer() {
	ctx := context.Background()
	bm, err := bufmgr.New(bufmgr.WithMaxReserveKB(0))
	if err != nil {
		log.Fatal(err)
	}
	defer bm.Close()

	schema := types.NewSchema(types.TypeInteger, types.TypeString)
	tb, err := bm.CreateTupleBuffer(schema, "orders", bufmgr.SourceProcessor)
	if err != nil {
		log.Fatal(err)
	}
	_ = tb.SetBatchSize(4)
	for i := 1; i <= 10; i++ {
		if err := tb.AddTuple(ctx, types.Tuple{types.Int(int64(i)), types.String("row")}); err != nil {
			log.Fatal(err)
		}
	}
	if err := tb.Close(ctx); err != nil {
		log.Fatal(err)
	}

	for row := 1; ; {
		b, err := tb.GetBatch(ctx, row)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("rows %d-%d terminal=%t\n", b.BeginRow, b.EndRow(), b.Terminal)
		if b.Terminal {
			break
		}
		row = b.EndRow() + 1
	}
	// Output:
	// rows 1-4 terminal=false
	// rows 5-8 terminal=false
	// rows 9-10 terminal=true
}

// Example_sTree keeps rows sorted by key.
func Example_sTree() {
	ctx := context.Background()
	bm, err := bufmgr.New()
	if err != nil {
		log.Fatal(err)
	}
	defer bm.Close()

	schema := types.NewSchema(types.TypeString, types.TypeInteger)
	tree, err := bm.CreateSTree(schema, "dedup", 1)
	if err != nil {
		log.Fatal(err)
	}
	for i, name := range []string{"carol", "alice", "bob", "alice"} {
		prev, err := tree.Insert(ctx, types.Tuple{types.String(name), types.Int(int64(i))}, stree.ModeNew, -1)
		if err != nil {
			log.Fatal(err)
		}
		if prev != nil {
			fmt.Println("duplicate", name)
		}
	}
	for row, err := range tree.All(ctx) {
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(row[0].S, row[1].I64)
	}
	// Output:
	// duplicate alice
	// alice 1
	// bob 2
	// carol 0
}
