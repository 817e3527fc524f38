package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/bufmgr"
	"github.com/hupe1980/bufmgr/types"
)

var lobSchema = types.NewSchema(types.TypeInteger, types.TypeClob)

func newLobCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lob",
		Short: "Persist large objects and read them back after spilling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			size, _ := cmd.Flags().GetInt("size")
			report, err := runLob(cmd.Context(), cfg, count, size)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().Int("count", 64, "number of lobs")
	cmd.Flags().Int("size", 32<<10, "bytes per lob")
	return cmd
}

func lobContent(i, size int) []byte {
	return bytes.Repeat([]byte{byte('a' + i%26)}, size)
}

func runLob(ctx context.Context, cfg config, count, size int) (*Report, error) {
	metrics := &bufmgr.BasicMetricsCollector{}
	bm, err := bufmgr.New(append(cfg.managerOptions(),
		bufmgr.WithMetricsCollector(metrics),
		bufmgr.WithInlineLobs(false),
	)...)
	if err != nil {
		return nil, err
	}
	defer bm.Close()

	start := time.Now()
	tb, err := bm.CreateTupleBuffer(lobSchema, "lobs", bufmgr.SourceProcessor)
	if err != nil {
		return nil, err
	}
	defer tb.Remove()

	for i := range count {
		l := types.NewClob(types.BytesFactory(lobContent(i, size)))
		if err := tb.AddTuple(ctx, types.Tuple{types.Int(int64(i)), types.LobValue(l)}); err != nil {
			return nil, err
		}
	}
	if err := tb.Close(ctx); err != nil {
		return nil, err
	}

	verified := 0
	for row, err := range tb.CreateIndexedTupleSource().All(ctx) {
		if err != nil {
			return nil, err
		}
		i := int(row[0].I64)
		got, err := row[1].Lob.Bytes()
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(got, lobContent(i, size)) {
			return nil, fmt.Errorf("lob %d: content mismatch", i)
		}
		verified++
	}

	lm := tb.LobManager()
	return &Report{
		Command: "lob",
		Workers: 1,
		Elapsed: time.Since(start),
		Lobs: &LobResult{
			Count:          count,
			Size:           size,
			Tracked:        lm.LobCount(),
			PersistedBytes: lm.PersistedBytes(),
			Verified:       verified,
		},
		Stats:   bm.Stats(),
		Metrics: metrics.GetStats(),
	}, nil
}
