package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/hzwatch/internal/change"
)

func getCmd() *cobra.Command {
	var query []string

	cmd := &cobra.Command{
		Use:   "get <model> [id]",
		Short: "Print one record, or every record matching a query",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := openSession(cfg, logger)
			defer s.Close()
			ctx := cmd.Context()
			model := args[0]

			if len(args) == 2 {
				rec, err := s.adapter.FindRecord(ctx, model, args[1])
				if err != nil {
					return err
				}
				return printJSON(rec)
			}

			q, err := parseQuery(query)
			if err != nil {
				return err
			}
			var recs []change.Record
			if q != nil {
				recs, err = s.adapter.Query(ctx, model, q)
			} else {
				recs, err = s.adapter.FindAll(ctx, model)
			}
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if err := printJSON(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&query, "query", "q", nil, "filter as key=value (repeatable)")
	return cmd
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <model> <json>",
		Short: "Insert or overwrite a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec change.Record
			if err := json.Unmarshal([]byte(args[1]), &rec); err != nil {
				return fmt.Errorf("parsing record: %w", err)
			}

			s := openSession(cfg, logger)
			defer s.Close()

			saved, err := s.adapter.CreateRecord(cmd.Context(), args[0], rec)
			if err != nil {
				return err
			}
			return printJSON(saved)
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <model> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := openSession(cfg, logger)
			defer s.Close()
			return s.adapter.DeleteRecord(cmd.Context(), args[0], args[1])
		},
	}
}
