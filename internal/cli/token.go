package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed JWT for AUTH_MODE=jwt",
	Long: `Issue an HS256 token signed with JWT_SECRET for local testing.

Examples:
  personachat token --sub u-42 --role real-user
  personachat token --sub op-7 --role operator --ttl 8h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := jwtAuthenticator(cfg.Auth)
		if err != nil {
			return err
		}
		tok, err := a.Issue(tokenSubject, domain.Role(tokenRole), tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "subject (caller id)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(domain.RoleRealUser), "real-user, operator or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
}
