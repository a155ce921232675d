package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alecgard/agentrt/internal/secret"
)

var sealGenerateKey bool

var sealCmd = &cobra.Command{
	Use:   "seal [VALUE]",
	Short: "Seal a credential for use in the config file",
	Long:  "seal encrypts VALUE (or the first line of stdin) with AGENTRT_SECRET_KEY. Use --generate-key to create a new key.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sealGenerateKey {
			key, err := secret.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		}

		box, err := secret.NewBox(os.Getenv("AGENTRT_SECRET_KEY"))
		if err != nil {
			return err
		}
		if box == nil {
			return errors.New("AGENTRT_SECRET_KEY is not set")
		}

		var value string
		if len(args) == 1 {
			value = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading value from stdin: %w", err)
			}
			value = strings.TrimRight(line, "\r\n")
		}
		if value == "" {
			return errors.New("nothing to seal")
		}

		sealed, err := box.Seal(value)
		if err != nil {
			return err
		}
		fmt.Println(sealed)
		return nil
	},
}

func init() {
	sealCmd.Flags().BoolVar(&sealGenerateKey, "generate-key", false, "print a new AGENTRT_SECRET_KEY and exit")
	rootCmd.AddCommand(sealCmd)
}
