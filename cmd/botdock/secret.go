package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage this deployment's encrypted secrets",
	Long: `Secrets are stored encrypted on this workstation and written to the
host as an env file only while deploying. Values never appear in the
deployment config or on the command history when entered interactively.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set NAME [VALUE]",
	Short: "Store a secret",
	Long: `Store a secret in the deployment's vault. With no VALUE argument the
value is read from an interactive prompt without echo.

Examples:
  botdock secret set API_TOKEN
  botdock secret set WEBHOOK_URL https://example.com/hook`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSecretSet,
}

var secretGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print a secret's value",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretGet,
}

var secretRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretRm,
}

var secretLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List secret names",
	RunE:  runSecretLs,
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretRmCmd)
	secretCmd.AddCommand(secretLsCmd)

	rootCmd.AddCommand(secretCmd)
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	name := args[0]
	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		value, err = promptSecret(fmt.Sprintf("Value for %s: ", name))
		if err != nil {
			return err
		}
	}

	if err := ws.vault.Set(name, value); err != nil {
		return err
	}
	fmt.Printf("✓ Secret %s stored\n", name)
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	value, err := ws.vault.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runSecretRm(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	if err := ws.vault.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Secret %s removed\n", args[0])
	return nil
}

func runSecretLs(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.close()

	names, err := ws.vault.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No secrets stored")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

// promptSecret reads a value from the terminal without echoing it
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(value), nil
}
