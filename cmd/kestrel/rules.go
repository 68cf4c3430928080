package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and import rule files",
	}
	cmd.AddCommand(rulesValidateCmd())
	cmd.AddCommand(rulesImportCmd())
	return cmd
}

func rulesValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile a YAML rule file and print its diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := rules.LoadRuleFile(file)
			if err != nil {
				return err
			}
			exec, err := rules.NewExpressionExecutor(slog.Default())
			if err != nil {
				return err
			}
			set := rules.NewCompiler(exec).Build(defs)

			out := cmd.OutOrStdout()
			for _, d := range set.Diagnostics {
				fmt.Fprintln(out, d.String())
			}
			if len(set.Diagnostics) > 0 {
				return fmt.Errorf("%d of %d rules failed to compile", len(set.Diagnostics), len(defs))
			}
			fmt.Fprintf(out, "ok: %d expression, %d compiled, %d disabled\n",
				len(set.Expressions), set.Program.Len(), len(defs)-len(set.Expressions)-set.Program.Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func rulesImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a YAML rule file and upsert its rules into the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defs, err := rules.LoadRuleFile(file)
			if err != nil {
				return err
			}
			exec, err := rules.NewExpressionExecutor(slog.Default())
			if err != nil {
				return err
			}
			if set := rules.NewCompiler(exec).Build(defs); len(set.Diagnostics) > 0 {
				for _, d := range set.Diagnostics {
					fmt.Fprintln(cmd.ErrOrStderr(), d.String())
				}
				return errors.New("rule file has errors; nothing imported")
			}

			repo, err := repository.New(cfg.Repository)
			if err != nil {
				return err
			}
			defer repo.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			for _, def := range defs {
				if err := repo.SaveRule(ctx, def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s v%d\n", def.Name, def.Version)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule file")
	cmd.MarkFlagRequired("file")
	return cmd
}
