package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alexjbarnes/listing-sync/internal/auth"
	"github.com/spf13/cobra"
)

// HashKeyResult is the json output of hash-key. Key is set only when the
// key was generated.
type HashKeyResult struct {
	Key  string `json:"key,omitempty"`
	Hash string `json:"hash"`
}

// NewHashKeyCommand creates the hash-key command.
func NewHashKeyCommand(opts *RootOptions) *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an API key for API_KEY_HASHES",
		Long: `Hash an API key for API_KEY_HASHES.

The key is read from stdin. With --generate a new key is created and
printed above its hash; give the key to the client as GATEWAY_API_KEY.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := hashKey(cmd.InOrStdin(), cmd.ErrOrStderr(), generate)
			if err != nil {
				return err
			}

			return output(cmd.OutOrStdout(), opts.format(), res, func(w io.Writer) error {
				if res.Key != "" {
					fmt.Fprintln(w, res.Key)
				}

				_, err := fmt.Fprintln(w, res.Hash)

				return err
			})
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "generate a new key instead of reading one")

	return cmd
}

func hashKey(in io.Reader, prompt io.Writer, generate bool) (HashKeyResult, error) {
	var (
		res HashKeyResult
		key string
	)

	if generate {
		k, err := auth.GenerateKey()
		if err != nil {
			return res, err
		}

		key = k
		res.Key = k
	} else {
		fmt.Fprint(prompt, "Enter API key: ")

		scanner := bufio.NewScanner(in)
		if !scanner.Scan() {
			return res, errors.New("no input")
		}

		key = strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(key, auth.KeyPrefix) {
			return res, fmt.Errorf("API keys must start with %s", auth.KeyPrefix)
		}
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return res, err
	}

	res.Hash = hash

	return res, nil
}
