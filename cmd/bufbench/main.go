// Command bufbench drives the buffer manager through spill-heavy workloads and
// prints a JSON report.
//
// Every flag can also be set through a BUFBENCH_ environment variable, for
// example BUFBENCH_RESERVE_KB=512.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/bufmgr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BUFBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "bufbench",
		Short:         "Exercise the buffer manager under a memory budget",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.Int64("reserve-kb", 256, "reserve budget for cached batches and pages (-1 for auto)")
	f.Int64("processing-kb", -1, "processing budget for reservations (-1 for auto)")
	f.String("storage-dir", "", "spill directory (memory storage when empty)")
	f.Int64("max-storage-bytes", 0, "cap on spill storage (0 for unlimited)")
	f.Int64("memory-buffer", 0, "bytes of spilled frames kept in memory")
	f.String("compression", "lz4", "spill compression: none, lz4 or zstd")
	f.Int("workers", 4, "concurrent queries")
	f.String("log-level", "warn", "log level: debug, info, warn or error")
	_ = v.BindPFlags(f)

	root.AddCommand(newSortCmd(v), newLobCmd(v))
	return root
}

// config is the resolved flag and environment configuration.
type config struct {
	ReserveKB       int64
	ProcessingKB    int64
	StorageDir      string
	MaxStorageBytes int64
	MemoryBuffer    int64
	Compression     bufmgr.Compression
	Workers         int
	LogLevel        slog.Level
}

func loadConfig(v *viper.Viper) (config, error) {
	c := config{
		ReserveKB:       v.GetInt64("reserve-kb"),
		ProcessingKB:    v.GetInt64("processing-kb"),
		StorageDir:      v.GetString("storage-dir"),
		MaxStorageBytes: v.GetInt64("max-storage-bytes"),
		MemoryBuffer:    v.GetInt64("memory-buffer"),
		Workers:         v.GetInt("workers"),
	}
	var err error
	if c.Compression, err = bufmgr.ParseCompression(v.GetString("compression")); err != nil {
		return config{}, err
	}
	if err := c.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return config{}, fmt.Errorf("log level: %w", err)
	}
	if c.Workers < 1 {
		return config{}, fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return c, nil
}

func (c config) managerOptions() []bufmgr.Option {
	return []bufmgr.Option{
		bufmgr.WithMaxReserveKB(c.ReserveKB),
		bufmgr.WithMaxProcessingKB(c.ProcessingKB),
		bufmgr.WithStorageDir(c.StorageDir),
		bufmgr.WithMaxStorageBytes(c.MaxStorageBytes),
		bufmgr.WithMemoryBufferSpace(c.MemoryBuffer),
		bufmgr.WithCompression(c.Compression),
		bufmgr.WithLogLevel(c.LogLevel),
	}
}
