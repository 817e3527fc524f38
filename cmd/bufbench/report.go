package main

import (
	"io"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/hupe1980/bufmgr"
)

// Report is the JSON document printed by every command.
type Report struct {
	Command string                   `json:"command"`
	Workers int                      `json:"workers"`
	Elapsed time.Duration            `json:"elapsed,format:nano"`
	Queries []QueryResult            `json:"queries,omitempty"`
	Lobs    *LobResult               `json:"lobs,omitempty"`
	Stats   bufmgr.Stats             `json:"stats"`
	Metrics bufmgr.BasicMetricsStats `json:"metrics"`
}

// QueryResult describes one sort query.
type QueryResult struct {
	Query      int           `json:"query"`
	Rows       int           `json:"rows"`
	Distinct   int           `json:"distinct"`
	Height     int           `json:"height"`
	Splits     int64         `json:"splits"`
	ReservedKB int           `json:"reserved_kb"`
	Elapsed    time.Duration `json:"elapsed,format:nano"`
}

// LobResult describes the lob command.
type LobResult struct {
	Count          int   `json:"count"`
	Size           int   `json:"size"`
	Tracked        int   `json:"tracked"`
	PersistedBytes int64 `json:"persisted_bytes"`
	Verified       int   `json:"verified"`
}

func writeReport(w io.Writer, r *Report) error {
	if err := json.MarshalWrite(w, r, jsontext.Multiline(true), jsontext.WithIndent("  ")); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
