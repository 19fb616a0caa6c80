package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/botdock/botdock/pkg/bootstrap"
	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/coordinator"
	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/metrics"
	"github.com/botdock/botdock/pkg/registry"
	"github.com/botdock/botdock/pkg/types"
	"github.com/botdock/botdock/pkg/vault"
	"github.com/botdock/botdock/pkg/workstation"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig      string
	flagLogLevel    string
	flagJSONLog     bool
	flagForce       bool
	flagRevision    string
	flagMetricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(types.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "botdock",
	Short: "Botdock - remote deployment orchestrator for containerized bots",
	Long: `Botdock deploys long-running containerized worker processes to a
remote host over SSH: it provisions the host, builds versioned container
recipes, manages the running container, keeps secrets in an encrypted
local vault, and creates, restores, and rolls back deployments.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.Level(flagLogLevel), JSONOutput: flagJSONLog})
		if flagMetricsAddr != "" {
			go func() {
				if err := http.ListenAndServe(flagMetricsAddr, metrics.Handler()); err != nil {
					log.Errorf("metrics listener failed", err)
				}
			}()
		}
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Botdock version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "deployment.yaml", "deployment config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "emit structured JSON logs")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.PersistentFlags().BoolVar(&flagForce, "force", false, "answer yes to confirmation prompts")
}

// workspace bundles the per-invocation workstation state
type workspace struct {
	cfg   *types.DeploymentConfig
	paths *workstation.Paths
	vault *vault.Vault
	reg   *registry.Registry
}

func (w *workspace) close() {
	if w.reg != nil {
		w.reg.Close()
	}
}

// openWorkspace loads the config and opens the vault and local registry
func openWorkspace() (*workspace, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	paths, err := workstation.Default()
	if err != nil {
		return nil, err
	}
	key, err := paths.EnsureKey()
	if err != nil {
		return nil, err
	}
	vlt, err := vault.Open(paths.VaultPath(cfg.DeploymentID), key)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(paths.RegistryPath())
	if err != nil {
		return nil, err
	}

	return &workspace{cfg: cfg, paths: paths, vault: vlt, reg: reg}, nil
}

func (w *workspace) coordinator() *coordinator.Coordinator {
	return coordinator.New(w.cfg, w.paths, w.vault,
		coordinator.WithRegistry(w.reg),
		coordinator.WithConfirm(confirmPrompt),
		coordinator.WithSudoPassword(bootstrap.TerminalPassword),
		coordinator.WithSourceRevision(flagRevision),
	)
}

// confirmPrompt asks the operator to resolve an inconclusive container
// state. --force answers yes without asking.
func confirmPrompt(prompt string) bool {
	if flagForce {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
