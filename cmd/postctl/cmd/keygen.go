package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/postroomhq/postroom/internal/auth"
)

var (
	keygenName string
	keygenSalt string
	keygenRate int
)

// keygenCmd represents the keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new API key",
	Long: `Generate a new API key and print the INSERT statement to register it.

The full key is shown exactly once; only its salted hash is stored. The salt
must match the API's API_KEY_SALT setting or the key will never validate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, prefix, hash, err := auth.GenerateKey(keygenSalt)
		if err != nil {
			return err
		}
		id := uuid.NewString()

		if outputJSON {
			printOutput(map[string]interface{}{
				"id":         id,
				"name":       keygenName,
				"key":        full,
				"key_prefix": prefix,
				"key_hash":   hash,
			})
			return nil
		}

		fmt.Printf("API key (save it now, it is not stored):\n\n  %s\n\n", full)
		fmt.Println("Register it with:")
		fmt.Printf(`  INSERT INTO postroom.api_keys (id, key_prefix, key_hash, name, rate_limit_per_minute)
  VALUES ('%s', '%s', '%s', '%s', %d);
`, id, prefix, hash, keygenName, keygenRate)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	keygenCmd.Flags().StringVar(&keygenName, "name", "", "human-readable key name (required)")
	keygenCmd.Flags().StringVar(&keygenSalt, "salt", "", "salt matching the API's API_KEY_SALT (required)")
	keygenCmd.Flags().IntVar(&keygenRate, "rate-limit", 60, "requests per minute for this key")

	keygenCmd.MarkFlagRequired("name")
	keygenCmd.MarkFlagRequired("salt")
}
