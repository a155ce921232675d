package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/agentrt/internal/auth"
)

var keygenAdmin bool

var keygenCmd = &cobra.Command{
	Use:   "keygen NAME",
	Short: "Generate an API key and print its config entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, plaintext, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Printf("key:    %s\n", plaintext)
		fmt.Printf("prefix: %s\n\n", key.Prefix)
		fmt.Println("add to the auth.keys section of the config:")
		fmt.Printf("  - name: %s\n    hash: %s\n    admin: %t\n", args[0], key.Hash, keygenAdmin)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenAdmin, "admin", false, "allow the key to apply recommendations and resolve alerts")
	rootCmd.AddCommand(keygenCmd)
}
