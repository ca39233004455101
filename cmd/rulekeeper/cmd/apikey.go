package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
)

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage evaluator API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key; the key is printed once",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		secretID, _ := cmd.Flags().GetString("secret-id")

		authenticator, closeDB, err := openAuthenticator()
		if err != nil {
			return err
		}
		defer closeDB()

		key, id, err := authenticator.IssueKey(cmd.Context(), name, secretID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "api_key_id: %s\napi_key:    %s\n", id, key)
		return nil
	},
}

var apiKeyRevokeCmd = &cobra.Command{
	Use:   "revoke <api-key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		authenticator, closeDB, err := openAuthenticator()
		if err != nil {
			return err
		}
		defer closeDB()
		return authenticator.RevokeKey(cmd.Context(), args[0])
	},
}

func init() {
	apiKeyCreateCmd.Flags().String("name", "", "human readable key name")
	apiKeyCreateCmd.Flags().String("secret-id", "", "HMAC secret id to sign the key under")
	apiKeyCreateCmd.MarkFlagRequired("name")
	apiKeyCreateCmd.MarkFlagRequired("secret-id")

	apiKeyCmd.AddCommand(apiKeyCreateCmd, apiKeyRevokeCmd)
	rootCmd.AddCommand(apiKeyCmd)
}

func openAuthenticator() (*auth.Authenticator, func(), error) {
	if dbURL == "" {
		return nil, nil, fmt.Errorf("--db-url required")
	}
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	database, err := openMigrated(dbURL)
	if err != nil {
		return nil, nil, err
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return auth.NewAuthenticator(secrets, queries, nil), func() { database.Close() }, nil
}
