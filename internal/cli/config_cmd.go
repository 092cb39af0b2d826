package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lydakis/ue5relay/internal/config"
	"github.com/lydakis/ue5relay/internal/ipc"
	"github.com/lydakis/ue5relay/internal/paths"
	"github.com/spf13/cobra"
)

var configFileFn = paths.ConfigFile

func newConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Read and edit config.toml",
		Long: `Read and edit config.toml. Values written here survive ${ENV_VAR}
placeholders already in the file. A running daemon picks up engine.host and
engine.port on the next connect; other keys need a restart.`,
	}

	var reveal bool
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			value, err := store.Get(args[0])
			if err != nil {
				return usageError(err)
			}
			if args[0] == "cloud.token" && !reveal {
				value = maskSecret(value)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	get.Flags().BoolVar(&reveal, "reveal", false, "print secrets in full")

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Set(args[0], args[1]); err != nil {
				return usageError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated in %s\n", args[0], store.Path())
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configFileFn())
			return nil
		},
	}

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List settable keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range config.Keys() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	cfgCmd.AddCommand(get, set, path, keys)
	return cfgCmd
}

func openStore() (*config.Store, error) {
	if err := paths.EnsureDir(filepath.Dir(configFileFn())); err != nil {
		return nil, &exitError{code: ipc.ExitInternal, msg: fmt.Sprintf("ue5relay: creating config dir: %v", err)}
	}
	store, err := config.OpenStore(configFileFn())
	if err != nil {
		return nil, &exitError{code: ipc.ExitInternal, msg: "ue5relay: " + err.Error()}
	}
	return store, nil
}

func usageError(err error) error {
	return &exitError{code: ipc.ExitUsageErr, msg: "ue5relay: " + err.Error()}
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
