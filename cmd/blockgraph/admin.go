package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abelbrown/blockgraph/internal/config"
	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/records"
	"github.com/abelbrown/blockgraph/internal/store"
)

var (
	importFormat string
	importDB     string
	forceInit    bool
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Stage a record dump in a SQLite table for later loads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := records.Open(args[0], records.Format(importFormat))
		if err != nil {
			return err
		}
		defer src.Close()

		st, err := store.Open(importDB)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		var saved int
		err = src.Each(ctx, cfg.Load.BatchSize, func(batch []model.Record) error {
			n, err := st.SaveRecords(ctx, batch)
			saved += n
			return err
		})
		stats := src.Stats()
		logging.Info("import finished",
			"db", importDB,
			"saved", saved,
			"skipped", stats.Skipped,
			"truncated", stats.Truncated)
		return err
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			path = config.ConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s exists; use --force to overwrite", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", string(records.FormatCred), "dump format: cred, csv")
	importCmd.Flags().StringVar(&importDB, "db", "data/records.db", "SQLite database to append to")
	initConfigCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(importCmd, initConfigCmd)
}
