package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin accounts",
		Long:  "Bootstrap and list the accounts that administer markbook.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		email    string
		username string
		password string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active admin account",
		Long: `Create an account directly in the store, skipping operator approval.
Use it to bootstrap the first superadmin.`,
		Example: `  markbook admin create --email head@school.example --username head
  markbook admin create --email ops@school.example --username ops --role admin --password secret123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				pw, err := promptPassword(cmd.OutOrStdout())
				if err != nil {
					return err
				}
				password = pw
			}
			return runAdminCreate(cmd.Context(), cmd.OutOrStdout(), email, username, password, role)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email address (required)")
	cmd.Flags().StringVar(&username, "username", "", "Account username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted if omitted)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleSuperadmin), "Account role: teacher, admin or superadmin")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("username")

	return cmd
}

func promptPassword(out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(out)

	fmt.Fprint(out, "Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Fprintln(out)

	if string(pwBytes) != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pwBytes), nil
}

func runAdminCreate(ctx context.Context, out io.Writer, email, username, password, role string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := model.ParseRole(role)
	if err != nil {
		return err
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, settings)
	st, err := openStore(ctx, settings)
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer st.Close()

	core, err := newCore(settings, st, nil, logger)
	if err != nil {
		return err
	}
	acc, err := core.Confirmation.Provision(ctx, service.Registration{
		Username: username,
		Email:    email,
		Password: password,
		Role:     r,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Created %s account %q (%s)\n", acc.Role, acc.Username, acc.ID)
	return nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(cmd.Context(), cmd.OutOrStdout(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAdminList(ctx context.Context, out io.Writer, jsonOutput bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, settings)
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer st.Close()

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	}

	if len(accounts) == 0 {
		fmt.Fprintln(out, "No accounts found. Use 'markbook admin create' to create one.")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-20s %-30s %-11s %-9s\n", "ID", "USERNAME", "EMAIL", "ROLE", "STATUS")
	fmt.Fprintf(out, "%-36s %-20s %-30s %-11s %-9s\n", "--", "--------", "-----", "----", "------")
	for _, a := range accounts {
		fmt.Fprintf(out, "%-36s %-20s %-30s %-11s %-9s\n",
			a.ID, truncate(a.Username, 20), truncate(a.Email, 30), a.Role, a.Status)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
