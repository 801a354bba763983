package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the print queue directly in the database",
	}
	cmd.AddCommand(
		newQueueAddCmd(),
		newQueueListCmd(),
		newQueueRemoveCmd(),
	)
	return cmd
}

// openQueue opens the configured database without starting any workers.
func openQueue() (*core.QueueStore, *sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, nil, err
	}
	return core.NewQueueStore(database, nil, newLogger(cfg)), database, nil
}

func newQueueAddCmd() *cobra.Command {
	var tags []string
	var name string
	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Append a G-code file to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, database, err := openQueue()
			if err != nil {
				return err
			}
			defer database.Close()

			item, err := queue.Enqueue(cmd.Context(), args[0], name, tags)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", item.ID, item.FileName, strings.Join(item.Tags, ","))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Tag to attach (repeatable)")
	cmd.Flags().StringVar(&name, "name", "", "Display name, defaults to the file's base name")
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, database, err := openQueue()
			if err != nil {
				return err
			}
			defer database.Close()

			items, err := queue.List(cmd.Context(), tags)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tID\tFILE\tSTATUS\tPRINTER\tTAGS")
			for _, item := range items {
				printer := "-"
				if item.PrinterName != nil {
					printer = *item.PrinterName
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					item.OrderIndex, item.ID, item.FileName, item.Status, printer, strings.Join(item.Tags, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Only items carrying one of these tags")
	return cmd
}

func newQueueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, database, err := openQueue()
			if err != nil {
				return err
			}
			defer database.Close()

			removed, err := queue.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%w: %s", core.ErrQueueItemNotFound, args[0])
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}
