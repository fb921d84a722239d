package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/ticketchat/internal/identity"
	"github.com/kubilitics/ticketchat/internal/models"
)

// newTokenCmd issues development tokens signed with the relay secret.
func newTokenCmd(a *app) *cobra.Command {
	var (
		p      models.Participant
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token for the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Relay.JWTSecret == "" {
				return fmt.Errorf("relay.jwt_secret (or TICKETCHAT_JWT_SECRET) is required to sign tokens")
			}
			if !p.Valid() {
				return fmt.Errorf("--id is required")
			}
			if p.Role == "" {
				p.Role = models.DefaultRole
			}
			tok, err := identity.IssueToken(cfg.Relay.JWTSecret, p, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "participant id")
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.Role, "role", "", "participant role")
	cmd.Flags().StringVar(&p.EmployeeCode, "employee-code", "", "employee code")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	return cmd
}
