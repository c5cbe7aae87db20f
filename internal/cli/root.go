package cli

import (
	"os"

	"github.com/spf13/cobra"
)

type options struct {
	server string
	token  string
}

func NewRootCmd(version string) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "contestctl",
		Short:        "Administer a running contest-hub server",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("CONTEST_SERVER", "http://localhost:8080"), "Server base URL (env: CONTEST_SERVER)")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CONTEST_ADMIN_TOKEN"), "Admin bearer token (env: CONTEST_ADMIN_TOKEN)")

	cmd.AddCommand(newStateCmd(opts))
	cmd.AddCommand(newFastForwardCmd(opts))
	cmd.AddCommand(newKickstartCmd(opts))
	cmd.AddCommand(newForceCmd(opts))
	cmd.AddCommand(newDeletedCmd(opts))
	cmd.AddCommand(newOutboxCmd(opts))
	cmd.AddCommand(newHashTokenCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
