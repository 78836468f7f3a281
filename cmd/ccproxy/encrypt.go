package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/ccproxy/internal/vault"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt [value]",
	Short: "Seal a provider credential with CCPROXY_MASTER_KEY",
	Long: `Encrypt a credential for use as an apiKey in the provider file. The
value is read from the argument, or from stdin when omitted. The output
starts with enc:v1: and is decrypted at load time with the same
CCPROXY_MASTER_KEY.

Examples:
  CCPROXY_MASTER_KEY=... ccproxy encrypt sk-live-123
  echo -n sk-live-123 | CCPROXY_MASTER_KEY=... ccproxy encrypt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var value string
		if len(args) == 1 {
			value = args[0]
		} else {
			value, err = readValue(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}
		sealed, err := sealValue(cfg.MasterKey, value)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encryptCmd)
}

func readValue(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read value: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func sealValue(masterKey, value string) (string, error) {
	if masterKey == "" {
		return "", errors.New("CCPROXY_MASTER_KEY is not set")
	}
	if value == "" {
		return "", errors.New("nothing to encrypt")
	}
	v := vault.New()
	if err := v.Unlock([]byte(masterKey)); err != nil {
		return "", err
	}
	defer v.Lock()
	return v.Seal(value)
}
