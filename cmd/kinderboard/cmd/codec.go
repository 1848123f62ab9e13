package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kinderboard/relay/codec"
	"github.com/kinderboard/relay/config"
)

var codecEscape bool

var codecCmd = &cobra.Command{
	Use:   "codec",
	Short: "Seal and open cookie values with the configured secret",
}

var codecEncryptCmd = &cobra.Command{
	Use:   "encrypt [json]",
	Short: "Seal a JSON value (read from stdin when no argument is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := codecFromFlags(cmd)
		if err != nil {
			return err
		}
		input, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		sealed, err := sealJSON(c, input)
		if err != nil {
			return err
		}
		if codecEscape {
			sealed = url.QueryEscape(sealed)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

var codecDecryptCmd = &cobra.Command{
	Use:   "decrypt [value]",
	Short: "Open a sealed value and print its JSON (read from stdin when no argument is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := codecFromFlags(cmd)
		if err != nil {
			return err
		}
		input, err := argOrStdin(cmd, args)
		if err != nil {
			return err
		}
		out, err := openJSON(c, string(input))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	codecCmd.PersistentFlags().String("secret", "", "Server secret (overrides config)")
	codecCmd.PersistentFlags().String("secret-file", "", "File holding the server secret (overrides config)")
	codecEncryptCmd.Flags().BoolVar(&codecEscape, "escape", false, "Percent-encode the output as the relay does for cookies")
	codecCmd.AddCommand(codecEncryptCmd, codecDecryptCmd)
	rootCmd.AddCommand(codecCmd)
}

func codecFromFlags(cmd *cobra.Command) (*codec.Codec, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return codecFromConfig(cfg)
}

func codecFromConfig(cfg *config.Config) (*codec.Codec, error) {
	current, err := cfg.Secrets()
	if err != nil {
		return nil, err
	}
	previous, err := cfg.Previous()
	if err != nil {
		return nil, err
	}
	return codec.NewFromSecrets(current, previous...)
}

func argOrStdin(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return bytes.TrimSpace(data), nil
}

// sealJSON seals input, which must be a JSON document.
func sealJSON(c *codec.Codec, input []byte) (string, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return "", errors.New("nothing to encrypt")
	}
	if !json.Valid(input) {
		return "", errors.New("input is not JSON")
	}
	return c.Encrypt(json.RawMessage(input))
}

// openJSON opens a sealed value and returns it as indented JSON.
func openJSON(c *codec.Codec, sealed string) ([]byte, error) {
	v, err := c.DecryptValue(strings.TrimSpace(sealed))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return json.MarshalIndent(v, "", "  ")
}
