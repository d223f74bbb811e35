package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/model"
)

var getCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Print one output document from the first replica",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(func(d docstore.Destination) error {
			doc, err := d.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("get %s/%s: %w", args[0], args[1], err)
			}
			return printJSON(doc)
		})
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <id>",
	Short: "Print a block's summary and its ranked neighbors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return fmt.Errorf("block id %q is not a number", id)
		}
		return withReplica(func(d docstore.Destination) error {
			ctx := cmd.Context()
			summary, err := d.Get(ctx, cfg.Collections.Summaries, id)
			if err != nil {
				return fmt.Errorf("summary %s: %w", id, err)
			}
			related, err := d.Range(ctx, cfg.Collections.Related, id+"~", id+"~\uffff", 0)
			if err != nil {
				return fmt.Errorf("related %s: %w", id, err)
			}
			sortByRank(related)
			return printJSON(struct {
				Summary model.Document   `json:"summary"`
				Related []model.Document `json:"related"`
			}{summary, related})
		})
	},
}

func init() {
	rootCmd.AddCommand(getCmd, neighborsCmd)
}

// withReplica opens the configured backends and hands fn the first replica.
func withReplica(fn func(docstore.Destination) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if len(b.dests) == 0 {
		return errors.New("no replicas configured")
	}
	return fn(b.dests[0])
}

// sortByRank orders related documents by the rank after "~", which sorts
// numerically rather than as text.
func sortByRank(docs []model.Document) {
	rank := func(d model.Document) int {
		id := d.ID()
		n, _ := strconv.Atoi(id[strings.LastIndexByte(id, '~')+1:])
		return n
	}
	sort.SliceStable(docs, func(i, j int) bool { return rank(docs[i]) < rank(docs[j]) })
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
