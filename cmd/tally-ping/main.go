// tally-ping is a reference client for tally-server. It generates Ed25519
// installation keys and sends signed pings, which makes it handy for smoke
// testing a deployment and as a template for real clients.

package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tally.lopezb.com/internal/tally/ingest"
	"tally.lopezb.com/internal/tally/signature"
)

const defaultTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "tally-ping",
		Short: "Generate installation keys and send signed pings",
	}

	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newSendCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newKeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair",
		Long: `Generate an Ed25519 key pair. The private key is written hex encoded to
--out (mode 0600) and the public key is printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}

			if err := writeKey(out, priv); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\n", hex.EncodeToString(pub))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "tally.key", "file to write the private key to")

	return cmd
}

func newSendCmd() *cobra.Command {
	var (
		keyPath string
		server  string
		unit    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one signed ping",
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := readKey(keyPath)
			if err != nil {
				return err
			}

			u, err := ingest.ParseUnit(unit)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			req := newPing(priv, time.Now(), u, uuid.NewString())

			resp, err := send(ctx, http.DefaultClient, server, req)
			if err != nil {
				return err
			}

			label := "returning user"
			if resp.NewUser {
				label = "new user"
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s, %d active today\n",
				color.GreenString("accepted:"), label, resp.Day, resp.DAU)
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "tally.key", "private key file written by keygen")
	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:8080", "tally-server base URL")
	cmd.Flags().StringVar(&unit, "unit", string(ingest.Milliseconds), "timestamp unit expected by the server (s or ms)")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultTimeout, "request timeout")

	return cmd
}

func writeKey(path string, priv ed25519.PrivateKey) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(priv)+"\n"), 0o600)
}

func readKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("%s: expected a %d or %d byte key, got %d",
			path, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// newPing builds a signed request for now.
func newPing(priv ed25519.PrivateKey, now time.Time, unit ingest.Unit, nonce string) ingest.Request {
	ts := now.UnixMilli()
	if unit == ingest.Seconds {
		ts = now.Unix()
	}

	pub, _ := priv.Public().(ed25519.PublicKey)

	return ingest.Request{
		PublicKey: hex.EncodeToString(pub),
		Timestamp: ts,
		Nonce:     nonce,
		Signature: hex.EncodeToString(signature.Sign(priv, ts, nonce)),
	}
}

// send posts req to the server's /ping endpoint.
func send(ctx context.Context, client *http.Client, server string, req ingest.Request) (ingest.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ingest.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/ping", bytes.NewReader(body))
	if err != nil {
		return ingest.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return ingest.Response{}, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return ingest.Response{}, err
	}

	if httpResp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return ingest.Response{}, fmt.Errorf("server rejected ping (%d): %s", httpResp.StatusCode, e.Error)
		}
		return ingest.Response{}, fmt.Errorf("server rejected ping (%d)", httpResp.StatusCode)
	}

	var resp ingest.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return ingest.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		return resp, errors.New("server did not acknowledge the ping")
	}

	return resp, nil
}
