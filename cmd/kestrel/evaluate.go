package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/screening"
)

func evaluateCmd() *cobra.Command {
	var (
		file     string
		tenantID string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Screen one transaction in-process and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read transaction: %w", err)
			}
			var req domain.TransactionRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("failed to parse transaction: %w", err)
			}
			if req.ID == "" {
				req.ID = uuid.New().String()
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			s, err := buildStack(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.screener.ReloadRules(ctx); err != nil {
				slog.Warn("rules unavailable, screening with fallback rules only", "error", err)
			}

			result := s.screener.Evaluate(ctx, screening.Request{
				Transaction: req.ToTransaction(tenantID),
				MLScore:     req.MLScore,
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "transaction JSON file")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", domain.DefaultTenantID, "tenant id")
	cmd.MarkFlagRequired("file")
	return cmd
}
