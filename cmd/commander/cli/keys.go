package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/falleco/open-commander/internal/auth"
	"github.com/falleco/open-commander/internal/store"
	"github.com/falleco/open-commander/internal/ui"
)

var (
	keysName string
	keysUser string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys for the task API",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new API key",
	Long: `Mint a new API key. The plaintext is printed exactly once; only a hash
is stored.`,
	RunE: runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runKeysList,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysDelete,
}

var keysShowBootstrapCmd = &cobra.Command{
	Use:   "show-bootstrap",
	Short: "Print the bootstrap key stashed in the OS keychain",
	RunE:  runKeysShowBootstrap,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysDeleteCmd)
	keysCmd.AddCommand(keysShowBootstrapCmd)
	keysCreateCmd.Flags().StringVar(&keysName, "name", "cli", "label for the key")
	keysCreateCmd.Flags().StringVar(&keysUser, "user", "", "username the key acts as (default: the first admin)")
}

func runKeysCreate(_ *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var user *store.User
	if keysUser != "" {
		user, err = st.UserByUsername(keysUser)
	} else {
		user, err = st.FirstAdmin()
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("no such user; run `commander serve` once to bootstrap the admin")
		}
		return err
	}

	plaintext, id, hash, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	if _, err := st.CreateAPIKey(id, user.ID, keysName, hash); err != nil {
		return err
	}

	// Plaintext on stdout so it can be captured; the notice goes to stderr.
	fmt.Println(plaintext)
	ui.Infof("Key %s created for %s. The plaintext above is shown only once.", id, user.Username)
	return nil
}

func runKeysList(_ *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	users, err := st.ListUsers()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tNAME\tCREATED\tLAST USED")
	rows := 0
	for _, user := range users {
		keys, err := st.APIKeysForUser(user.ID)
		if err != nil {
			return err
		}
		for _, key := range keys {
			last := "never"
			if key.LastUsedAt != nil {
				last = formatAge(*key.LastUsedAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				key.ID, user.Username, key.Name, formatAge(key.CreatedAt), last)
			rows++
		}
	}
	if rows == 0 {
		fmt.Println("No API keys.")
		return nil
	}
	return w.Flush()
}

func runKeysDelete(_ *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteAPIKey(args[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no key %s", args[0])
		}
		return err
	}
	fmt.Printf("Key %s revoked.\n", args[0])
	return nil
}

func runKeysShowBootstrap(_ *cobra.Command, _ []string) error {
	key, err := auth.BootstrapKey()
	if err != nil {
		return fmt.Errorf("no bootstrap key in the keychain; run `commander serve` once first: %w", err)
	}
	fmt.Println(key)
	return nil
}
