package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, restore, and manage deployment backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup on the host",
	Long: `Stop the container briefly and archive the active version, state,
and secrets into a timestamped backup on the host. --data also archives
the declared data directories; --unsafe skips the stop and takes the
backup while the container keeps running.

Examples:
  botdock backup create
  botdock backup create --data
  botdock backup create --unsafe`,
	RunE: runBackupCreate,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore TIMESTAMP",
	Short: "Restore a backup and restart from it",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupDownloadCmd = &cobra.Command{
	Use:   "download TIMESTAMP PATH",
	Short: "Download a backup archive to this workstation",
	Args:  cobra.ExactArgs(2),
	RunE:  runBackupDownload,
}

var backupLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List backups on the host, newest first",
	RunE:  runBackupLs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Inspect retained versions on the host",
}

var versionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List retained versions, newest first",
	RunE:  runVersionLs,
}

func init() {
	backupCreateCmd.Flags().Bool("data", false, "include the declared data directories")
	backupCreateCmd.Flags().Bool("unsafe", false, "back up without stopping the container first")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupDownloadCmd)
	backupCmd.AddCommand(backupLsCmd)
	versionCmd.AddCommand(versionLsCmd)

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	includeData, _ := cmd.Flags().GetBool("data")
	unsafe, _ := cmd.Flags().GetBool("unsafe")

	rec, err := ws.coordinator().Backup(cmd.Context(), includeData, unsafe)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Backup %s created (%s, %s)\n", rec.Timestamp, rec.ArchiveName, formatSize(rec.SizeBytes))
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	timestamp := args[0]
	if !confirmPrompt(fmt.Sprintf(
		"Restore backup %s over the current deployment on %s?", timestamp, ws.cfg.Host)) {
		fmt.Println("Aborted")
		return nil
	}

	if err := ws.coordinator().RestoreBackup(cmd.Context(), timestamp); err != nil {
		return err
	}
	fmt.Printf("✓ Backup %s restored and container started\n", timestamp)
	return nil
}

func runBackupDownload(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	rec, err := ws.coordinator().DownloadBackup(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("✓ Downloaded %s to %s (%s)\n", rec.ArchiveName, rec.LocalPath, formatSize(rec.SizeBytes))
	return nil
}

func runBackupLs(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	records, err := ws.coordinator().ListBackups(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No backups on the host")
		return nil
	}

	fmt.Printf("%-18s %-28s %-10s %-6s %s\n", "TIMESTAMP", "SOURCE VERSION", "SIZE", "DATA", "KIND")
	for _, rec := range records {
		kind := "quiesced"
		if rec.Hot {
			kind = "hot"
		}
		fmt.Printf("%-18s %-28s %-10s %-6v %s\n",
			rec.Timestamp, rec.SourceVersionID, formatSize(rec.SizeBytes), rec.IncludesData, kind)
	}
	return nil
}

func runVersionLs(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	records, err := ws.coordinator().ListVersions(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No versions on the host")
		return nil
	}

	fmt.Printf("%-28s %-22s %-20s %s\n", "VERSION", "CREATED", "DIGEST", "REVISION")
	for _, rec := range records {
		revision := rec.SourceRevision
		if revision == "" {
			revision = "-"
		}
		fmt.Printf("%-28s %-22s %-20s %s\n",
			rec.ID, rec.CreatedAt.Format("2006-01-02 15:04:05Z"), shortDigest(rec.ImageDigest), revision)
	}
	return nil
}

func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
