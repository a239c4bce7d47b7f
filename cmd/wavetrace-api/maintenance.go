package main

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRecoverCommand() *cobra.Command {
	var documentFlag string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover a document and print its recovery report",
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID, err := eventlog.NewDocumentID(documentFlag)
			if err != nil {
				return err
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			_, report, openErr := rt.manager.Open(ctx, documentID)
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}
			if openErr != nil {
				return openErr
			}
			return rt.manager.CloseAll(ctx)
		},
	}
	cmd.Flags().StringVar(&documentFlag, "document", "", "Document identifier")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func newPruneCommand() *cobra.Command {
	var (
		documentFlag string
		keepLatest   int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete superseded snapshots of a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID, err := eventlog.NewDocumentID(documentFlag)
			if err != nil {
				return err
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			policy := snapshots.RetentionPolicy{
				KeepLatest: rt.config.Snapshot.RetainCount,
				MaxAge:     rt.config.Snapshot.MaxAge,
			}
			if cmd.Flags().Changed("keep") {
				policy.KeepLatest = keepLatest
			}
			removed, err := rt.snapshots.Prune(cmd.Context(), documentID, policy)
			if err != nil {
				return err
			}
			rt.logger.Info("snapshots pruned", zap.String("document_id", documentID.String()), zap.Int("removed", removed))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d snapshot(s)\n", removed)
			return err
		},
	}
	cmd.Flags().StringVar(&documentFlag, "document", "", "Document identifier")
	cmd.Flags().IntVar(&keepLatest, "keep", 0, "Snapshots to keep, overriding the configured retain count")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}
