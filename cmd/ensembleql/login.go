package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gridcast/ensembleql"
	"github.com/gridcast/ensembleql/internal/keychain"
)

var (
	loginLLMKey bool
	loginForget bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the database password or LLM API key in the OS keychain",
	Long: `The login command stores the password for the configured database login in
the OS keychain, so 'ensembleql serve' can start without a prompt. With
--llm-key it stores the assistant's API key instead. --forget removes the
stored database password.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverConfig, err := loadServerConfig(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		km, err := keychain.Open()
		if err != nil {
			pterm.Println("❌ Secure storage is not available on this system.")
			return err
		}
		return login(os.Stderr, serverConfig.Connection, km, promptInput, promptPassword, loginLLMKey, loginForget)
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().BoolVar(&loginLLMKey, "llm-key", false, "Store the LLM API key instead of the database password")
	loginCmd.Flags().BoolVar(&loginForget, "forget", false, "Remove the stored database password")
}

// credentialStore is the part of the keychain login writes.
type credentialStore interface {
	SaveDBPassword(key, password string) error
	DeleteDBPassword(key string) error
	SaveLLMAPIKey(apiKey string) error
}

func login(w io.Writer, conn ensembleql.ConnectionConfig, store credentialStore, ask, askSecret func(string) string, llmKey, forget bool) error {
	if llmKey {
		key := askSecret("LLM API key: ")
		if key == "" {
			return errors.New("API key is required")
		}
		if err := store.SaveLLMAPIKey(key); err != nil {
			return err
		}
		fmt.Fprintln(w, "✅ LLM API key saved to the OS keychain.")
		return nil
	}

	user := conn.User
	if user == "" {
		user = ask("Username: ")
	}
	if user == "" {
		return errors.New("database user is required")
	}
	entry := keychain.DBPasswordKey(user, conn.Host, conn.Port, conn.DBName)

	if forget {
		if err := store.DeleteDBPassword(entry); err != nil {
			return err
		}
		fmt.Fprintf(w, "Removed stored password for %s@%s/%s.\n", user, conn.Host, conn.DBName)
		return nil
	}

	password := askSecret("Password: ")
	if password == "" {
		return errors.New("password is required")
	}
	if err := store.SaveDBPassword(entry, password); err != nil {
		return err
	}
	fmt.Fprintf(w, "✅ Password for %s@%s/%s saved to the OS keychain.\n", user, conn.Host, conn.DBName)
	return nil
}
