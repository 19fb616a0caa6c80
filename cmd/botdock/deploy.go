package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/botdock/botdock/pkg/types"
	"github.com/botdock/botdock/pkg/version"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision the remote host for this deployment",
	Long: `Verify SSH access, install missing prerequisites (runtime, Docker,
Compose), and create the deployment directory tree on the host. Safe to
run repeatedly.

Examples:
  botdock init
  botdock init -c mybot/deployment.yaml`,
	RunE: runInit,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Build and start the configured version",
	Long: `Render the container recipe, build a new immutable version on the
host, and start it. If the container is already running the configured
version, up is a no-op.

Examples:
  botdock up
  botdock up --revision $(git rev-parse HEAD)`,
	RunE: runUp,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Back up, rebuild, and swap to a new version",
	Long: `Take a backup, build a new version, and cut the container over to
it. If the new version fails to start, the previous version is restored
automatically.

Examples:
  botdock update
  botdock update --unsafe-backup`,
	RunE: runUpdate,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [version-id]",
	Short: "Swap back to a previous version",
	Long: `Re-activate a retained version without rebuilding. With no argument
the version deployed immediately before the current one is used.

Examples:
  botdock rollback
  botdock rollback 01J8ZQ4T9GVX2M5K7P3W8N6R1D`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the deployment's current state",
	RunE:  runStatus,
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop and remove the container",
	Long: `Stop the container gracefully and remove it. Versions, backups, and
data stay on the host unless --remove-data is given.

Examples:
  botdock down
  botdock down --remove-data`,
	RunE: runDown,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild deployment state from the observed container",
	Long: `Inspect the host and rewrite the recorded deployment state to match
what is actually there. Use after an interrupted operation left the
deployment marked inconsistent.`,
	RunE: runRecover,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments known to this workstation",
	RunE:  runList,
}

func init() {
	upCmd.Flags().StringVar(&flagRevision, "revision", "", "source revision to record with the version")
	updateCmd.Flags().StringVar(&flagRevision, "revision", "", "source revision to record with the version")
	updateCmd.Flags().Bool("unsafe-backup", false, "back up without stopping the container first")
	downCmd.Flags().Bool("remove-data", false, "also delete versions, backups, and data from the host")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(listCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	if err := ws.coordinator().Init(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("✓ Host provisioned for deployment %s\n", ws.cfg.DeploymentID)
	return nil
}

func runUp(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	rec, err := ws.coordinator().Up(cmd.Context())
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Println("Already running the configured version; nothing to do")
		return nil
	}
	fmt.Printf("✓ Deployed version %s (%s)\n", rec.ID, shortDigest(rec.ImageDigest))
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	unsafe, _ := cmd.Flags().GetBool("unsafe-backup")
	rec, err := ws.coordinator().Update(cmd.Context(), unsafe)
	if err != nil {
		var upd *types.UpdateError
		if errors.As(err, &upd) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Update failed; rollback %s\n", upd.RollbackOutcome)
		}
		return err
	}
	if rec == nil {
		fmt.Println("Already running the configured version; nothing to do")
		return nil
	}
	fmt.Printf("✓ Updated to version %s (%s)\n", rec.ID, shortDigest(rec.ImageDigest))
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	ref := version.RefPrevious
	if len(args) == 1 {
		ref = args[0]
	}
	rec, err := ws.coordinator().Rollback(cmd.Context(), ref)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Rolled back to version %s (%s)\n", rec.ID, shortDigest(rec.ImageDigest))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	report, err := ws.coordinator().Status(cmd.Context())
	if err != nil {
		return err
	}
	printStatus(ws.cfg, report)
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	removeData, _ := cmd.Flags().GetBool("remove-data")
	if removeData && !confirmPrompt(fmt.Sprintf(
		"Delete all versions, backups, and data for %s on %s?", ws.cfg.DeploymentID, ws.cfg.Host)) {
		fmt.Println("Aborted")
		return nil
	}

	if err := ws.coordinator().Down(cmd.Context(), removeData); err != nil {
		return err
	}
	if removeData {
		fmt.Printf("✓ Deployment %s removed from host\n", ws.cfg.DeploymentID)
	} else {
		fmt.Printf("✓ Container stopped and removed (versions and backups kept)\n")
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	report, err := ws.coordinator().Recover(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("✓ State recovered from host\n")
	printStatus(ws.cfg, report)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	entries, err := ws.reg.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No deployments recorded on this workstation")
		return nil
	}

	fmt.Printf("%-24s %-28s %-28s %-10s %s\n", "DEPLOYMENT", "HOST", "ACTIVE VERSION", "LAST OP", "WHEN")
	for _, e := range entries {
		active := e.ActiveVersion
		if active == "" {
			active = "-"
		}
		fmt.Printf("%-24s %-28s %-28s %-10s %s\n",
			e.DeploymentID, e.Host, active, e.LastOperation, formatAge(e.LastOpTime))
	}
	return nil
}

func printStatus(cfg *types.DeploymentConfig, report *types.StatusReport) {
	fmt.Printf("Deployment: %s\n", cfg.DeploymentID)
	fmt.Printf("Host:       %s\n", cfg.Host)
	fmt.Printf("State:      %s\n", report.State)
	if report.ActiveVersion != nil {
		fmt.Printf("Version:    %s (%s)\n", report.ActiveVersion.ID, shortDigest(report.ActiveVersion.ImageDigest))
	}
	if report.State == types.ContainerStateRunning {
		fmt.Printf("Uptime:     %s\n", (time.Duration(report.UptimeSeconds) * time.Second).String())
		fmt.Printf("Restarts:   %d\n", report.Restarts)
	}
	if report.LastBackup != nil {
		fmt.Printf("Backup:     %s (%s)\n", report.LastBackup.Timestamp, formatAge(report.LastBackup.CreatedAt))
	}
	if len(report.RecentErrorLines) > 0 {
		fmt.Println("Recent errors:")
		for _, line := range report.RecentErrorLines {
			fmt.Printf("  %s\n", line)
		}
	}
}

func shortDigest(digest string) string {
	const prefix = "sha256:"
	d := digest
	if len(d) > len(prefix)+12 && d[:len(prefix)] == prefix {
		return d[:len(prefix)+12]
	}
	return d
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Round(time.Second)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
