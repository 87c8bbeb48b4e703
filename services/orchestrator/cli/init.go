package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/config"
)

const configHeader = `# go-task-orchestrator config
# Priority: CLI flag > environment > this file > default.
# Leave redis_addr, kafka_brokers or postgres_dsn empty to disable that store.
# threshold is re-read while serving; other keys need a restart.

`

// newInitCmd returns an "init" subcommand that writes the default config.
func newInitCmd(serviceName string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/.go-task-orchestrator/%s.yaml.
Fails if the file already exists unless --force is passed.`, serviceName, serviceName),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".go-task-orchestrator", serviceName+".yaml")
			}
			if err := writeDefaultConfig(dest, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

func writeDefaultConfig(dest string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}

	doc, err := config.Render(config.Defaults(), configHeader)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, doc, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
