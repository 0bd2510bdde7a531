package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"example.com/siomule/internal/statestore"
)

func newStateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset persisted parser state",
	}
	cmd.AddCommand(newStateShowCommand(a), newStateResetCommand(a))
	return cmd
}

func newStateShowCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Show the stored state for one file, or list every entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				entry, err := store.Load(stateKey(args[0]))
				if errors.Is(err, statestore.ErrNotFound) {
					return fmt.Errorf("no stored state for %s", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entry)
			}

			entries, listErr := store.List()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(entries); err != nil {
					return err
				}
				return listErr
			}
			if len(entries) == 0 && listErr == nil {
				fmt.Fprintln(out, "No stored state")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tSIZE\tUNPROCESSED\tIN PROCESS\tINGESTED\tUPDATED")
			for _, e := range entries {
				var pending int64
				for _, iv := range e.State.Unprocessed {
					pending += iv.Len()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
					e.Key,
					humanize.IBytes(uint64(e.State.FileSize)),
					humanize.IBytes(uint64(pending)),
					len(e.State.InProcess),
					e.Ingested,
					e.UpdatedAt.Format(time.RFC3339),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return listErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func newStateResetCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [file...]",
		Short: "Delete stored state so the next decode starts from the beginning",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("name files to reset or pass --all")
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			keys := make([]string, 0, len(args))
			for _, arg := range args {
				keys = append(keys, stateKey(arg))
			}
			if all {
				stored, err := store.Keys()
				if err != nil {
					return err
				}
				keys = append(keys, stored...)
			}
			for _, key := range keys {
				if err := store.Delete(key); err != nil {
					return fmt.Errorf("reset %s: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every stored entry")
	return cmd
}
