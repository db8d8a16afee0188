package main

import (
	"fmt"
	"sort"

	"github.com/jingkaihe/skillet/pkg/migration"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Rewrite legacy skill files into the current format",
	Long: `Convert skills written with the legacy header keys (type, icon, key_code,
language and friends) into the current format. Presentation attributes move to
the metadata file and the category becomes a tool list. Legacy skills are also
migrated automatically whenever another command starts; use --dry-run to review
the rewrites without touching any file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(ctx, withoutMigration())
		if err != nil {
			return err
		}

		report, err := migration.NewService(a.library, a.store).Run(ctx, migration.Options{DryRun: dryRun})
		printMigrationReport(report, dryRun)
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "Show the rewrites without writing anything")
}

func printMigrationReport(report *migration.Report, dryRun bool) {
	if report == nil {
		return
	}
	if len(report.Changes) == 0 && len(report.Failed) == 0 {
		presenter.Info("No legacy skills found")
		return
	}

	for _, change := range report.Changes {
		presenter.Section(fmt.Sprintf("%s (%s)", change.ID, change.Category))
		presenter.Diff(change.Diff)
	}

	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		presenter.Error(report.Failed[id], fmt.Sprintf("skill %s", id))
	}

	switch {
	case dryRun:
		presenter.Info(fmt.Sprintf("%d skill(s) would be migrated", len(report.Changes)))
	case len(report.Changes) > 0:
		presenter.Success(fmt.Sprintf("Migrated %d skill(s)", len(report.Changes)))
	}
}
