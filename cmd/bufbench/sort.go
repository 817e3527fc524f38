package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/bufmgr"
	"github.com/hupe1980/bufmgr/stree"
	"github.com/hupe1980/bufmgr/testutil"
	"github.com/hupe1980/bufmgr/types"
)

var sortSchema = types.NewSchema(types.TypeInteger, types.TypeString)

func newSortCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sort",
		Short: "Run concurrent distinct-sort queries through search trees",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			rows, _ := cmd.Flags().GetInt("rows")
			queries, _ := cmd.Flags().GetInt("queries")
			seed, _ := cmd.Flags().GetUint64("seed")
			name, _ := cmd.Flags().GetString("distribution")
			dist, err := testutil.ParseDistribution(name)
			if err != nil {
				return err
			}
			report, err := runSort(cmd.Context(), cfg, sortParams{queries: queries, rows: rows, seed: seed, dist: dist})
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().Int("rows", 10000, "rows per query")
	cmd.Flags().Int("queries", 8, "number of queries")
	cmd.Flags().Uint64("seed", 1, "random seed")
	cmd.Flags().String("distribution", "uniform", "key distribution: uniform, zipf, ascending or descending")
	return cmd
}

type sortParams struct {
	queries int
	rows    int
	seed    uint64
	dist    testutil.Distribution
}

func runSort(ctx context.Context, cfg config, p sortParams) (*Report, error) {
	metrics := &bufmgr.BasicMetricsCollector{}
	bm, err := bufmgr.New(append(cfg.managerOptions(), bufmgr.WithMetricsCollector(metrics))...)
	if err != nil {
		return nil, err
	}
	defer bm.Close()

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	start := time.Now()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]QueryResult, p.queries)
		errList []error
	)
	for q := range p.queries {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			res, err := sortQuery(ctx, bm, q, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errList = append(errList, fmt.Errorf("query %d: %w", q, err))
				return
			}
			results[q] = res
		})
		if err != nil {
			wg.Done()
			return nil, err
		}
	}
	wg.Wait()
	if err := errors.Join(errList...); err != nil {
		return nil, err
	}

	return &Report{
		Command: "sort",
		Workers: cfg.Workers,
		Elapsed: time.Since(start),
		Queries: results,
		Stats:   bm.Stats(),
		Metrics: metrics.GetStats(),
	}, nil
}

// sortQuery buffers generated rows, deduplicates and orders them through a tree,
// and writes the result to a second buffer.
func sortQuery(ctx context.Context, bm *bufmgr.BufferManager, q int, p sortParams) (QueryResult, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	scope := bm.NewScope(ctx)
	defer scope.Release()

	reserved, err := bm.ReserveBuffers(ctx, 64, bufmgr.ReserveNoWait)
	if err != nil {
		return QueryResult{}, err
	}
	defer bm.ReleaseBuffers(reserved)

	id := "sort_" + strconv.Itoa(q)
	in, err := scope.CreateTupleBuffer(sortSchema, id+"_in", bufmgr.SourceConnector)
	if err != nil {
		return QueryResult{}, err
	}
	rng := testutil.NewRNG(p.seed + uint64(q))
	for _, key := range rng.Keys(p.dist, p.rows, p.rows) {
		if err := in.AddTuple(ctx, rng.Tuple(sortSchema, key)); err != nil {
			return QueryResult{}, err
		}
	}
	if err := in.Close(ctx); err != nil {
		return QueryResult{}, err
	}
	in.SetForwardOnly(true)

	tree, err := scope.CreateSTree(sortSchema, id+"_tree", 1)
	if err != nil {
		return QueryResult{}, err
	}
	expected := tree.ExpectedHeight(p.rows)
	mode := stree.ModeNew
	if p.dist == testutil.Ascending {
		mode = stree.ModeOrdered
	}
	for row, err := range in.CreateIndexedTupleSource().All(ctx) {
		if err != nil {
			return QueryResult{}, err
		}
		if _, err := tree.Insert(ctx, row, mode, expected); err != nil {
			return QueryResult{}, err
		}
	}

	out, err := scope.CreateTupleBuffer(sortSchema, id+"_out", bufmgr.SourceProcessor)
	if err != nil {
		return QueryResult{}, err
	}
	var last types.Tuple
	for row, err := range tree.All(ctx) {
		if err != nil {
			return QueryResult{}, err
		}
		if last != nil && types.CompareKeys(last, row, 1) >= 0 {
			return QueryResult{}, fmt.Errorf("tree out of order at key %s", row[0])
		}
		last = row
		if err := out.AddTuple(ctx, row); err != nil {
			return QueryResult{}, err
		}
	}
	if err := out.Close(ctx); err != nil {
		return QueryResult{}, err
	}
	if out.RowCount() != tree.RowCount() {
		return QueryResult{}, fmt.Errorf("wrote %d rows, tree holds %d", out.RowCount(), tree.RowCount())
	}

	st := tree.Stats()
	return QueryResult{
		Query:      q,
		Rows:       p.rows,
		Distinct:   out.RowCount(),
		Height:     st.Height,
		Splits:     st.Splits,
		ReservedKB: reserved,
		Elapsed:    time.Since(start),
	}, nil
}
