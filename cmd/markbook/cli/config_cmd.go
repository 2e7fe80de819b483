package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markbook/markbook/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage markbook configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default markbook.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd.OutOrStdout(), path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVarP(&path, "output", "o", config.DefaultFileName, "Path of the file to create")

	return cmd
}

func runConfigInit(out io.Writer, path string, force bool) error {
	if err := config.WriteDefaultConfig(path, force); err != nil {
		return fmt.Errorf("%w (use --force to overwrite)", err)
	}
	fmt.Fprintf(out, "Created %s\n", path)
	fmt.Fprintln(out, "Set auth.jwt_secret and frontend_url, then run 'markbook serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd.OutOrStdout())
		},
	}
}

func runConfigShow(out io.Writer) error {
	if f := viper.ConfigFileUsed(); f != "" {
		fmt.Fprintf(out, "# Config file: %s\n", f)
	} else {
		fmt.Fprintln(out, "# Config file: (none found, using defaults and environment)")
	}

	data, err := config.Effective(viper.GetViper())
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
