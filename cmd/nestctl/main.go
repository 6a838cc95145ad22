package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/crypto"
	"github.com/org/nestcircle/internal/keystore"
	"github.com/org/nestcircle/pkg/models"
)

var rootCmd = &cobra.Command{
	Use:   "nestctl",
	Short: "NestCircle CLI",
	Long:  "A CLI for channel keys and messages in NestCircle.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(configureCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(watchCmd())
}

// --- configure ---

func configureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Save server address and user id to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("user"); v != "" {
				cfg.UserID = v
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Config saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address, e.g. http://127.0.0.1:8330")
	cmd.Flags().String("user", "", "User id sent as X-User-ID")
	return cmd
}

// --- key ---

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Channel key commands"}

	statusCmd := &cobra.Command{
		Use:   "status <channel>",
		Short: "Show rotation status of your channel key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/channels/" + args[0] + "/key/status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				var st models.RotationStatus
				if err := decodeInto(result, &st); err == nil {
					fmt.Print(formatRotationStatus(st))
					return nil
				}
			}
			printResult(result)
			return nil
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate <channel>",
		Short: "Rotate your channel key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			key, err := rotateChannelKey(client, args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				fmt.Print(formatKeySummary(key))
				return nil
			}
			fp, _ := crypto.Fingerprint(key)
			printResult(map[string]any{
				"keyId":       key.ID,
				"fingerprint": fp,
				"createdAt":   key.CreatedAt.Format(time.RFC3339),
			})
			return nil
		},
	}

	cmd.AddCommand(statusCmd, rotateCmd)
	return cmd
}

// rotateChannelKey performs a full client-side rotation: announce,
// generate, persist, share, complete. The key endpoint write happens
// before the shared relay so peers that miss the broadcast still find
// the new key in the store.
func rotateChannelKey(client *Client, channelID string) (*models.EncryptionKey, error) {
	base := "/v1/channels/" + channelID

	if _, err := client.post(base+"/rotation/started", map[string]any{}); err != nil {
		return nil, fmt.Errorf("announcing rotation: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	rec, err := keystore.ToRecord(key)
	if err != nil {
		return nil, err
	}
	if _, err := client.post(base+"/key", rec); err != nil {
		return nil, fmt.Errorf("storing new key: %w", err)
	}
	if _, err := client.post(base+"/rotation/shared", rec); err != nil {
		return nil, fmt.Errorf("sharing new key: %w", err)
	}
	if _, err := client.post(base+"/rotation/completed", map[string]any{"newKeyId": key.ID}); err != nil {
		return nil, fmt.Errorf("completing rotation: %w", err)
	}
	return key, nil
}

// --- send ---

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <channel> <text>",
		Short: "Encrypt and post a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID := args[0]
			text := strings.Join(args[1:], " ")
			client := newClient()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store := keystore.NewHTTPClient(client.addr)
			key, err := store.Load(ctx, channelID, client.userID)
			switch {
			case errors.Is(err, keystore.ErrNotFound):
				key, err = crypto.GenerateKey()
				if err == nil {
					err = store.Save(ctx, channelID, client.userID, key)
				}
				if err != nil {
					printError(err.Error())
					return nil
				}
			case err != nil:
				printError(err.Error())
				return nil
			}

			if crypto.IsRotationDue(key) {
				key, err = rotateChannelKey(client, channelID)
				if err != nil {
					printError(err.Error())
					return nil
				}
			}

			payload, err := crypto.Encrypt(text, key)
			if err != nil {
				printError(err.Error())
				return nil
			}
			result, err := client.post("/v1/channels/"+channelID+"/messages", map[string]any{
				"encryptedContent": payload.EncryptedContent,
				"encryptionKeyId":  payload.KeyID,
				"iv":               payload.IV,
				"isEncrypted":      true,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	return cmd
}

// --- history ---

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "List recent messages, decrypting your own key's ciphertext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID := args[0]
			limit, _ := cmd.Flags().GetInt("limit")
			client := newClient()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store := keystore.NewHTTPClient(client.addr)
			key, keyErr := store.Load(ctx, channelID, client.userID)

			result, err := client.get(fmt.Sprintf("/v1/channels/%s/messages?limit=%d", channelID, limit))
			if err != nil {
				printError(err.Error())
				return nil
			}
			msgs, _ := result["messages"].([]any)
			for i := len(msgs) - 1; i >= 0; i-- {
				m, ok := msgs[i].(map[string]any)
				if !ok {
					continue
				}
				user, _ := m["userId"].(string)
				when, _ := m["createdAt"].(string)
				encrypted, _ := m["isEncrypted"].(bool)
				text, _ := m["content"].(string)
				if encrypted {
					text = "<undecryptable>"
					if keyErr == nil {
						ct, _ := m["encryptedContent"].(string)
						keyID, _ := m["encryptionKeyId"].(string)
						iv, _ := m["iv"].(string)
						if plain, err := crypto.Decrypt(&models.EncryptedPayload{
							EncryptedContent: ct,
							KeyID:            keyID,
							IV:               iv,
						}, key); err == nil {
							text = plain
						}
					}
				}
				fmt.Print(formatHistoryLine(when, user, text))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Number of messages to show")
	return cmd
}

// --- watch ---

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <channel>",
		Short: "Follow the channel event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			resp, err := client.stream("/v1/channels/" + args[0] + "/events")
			if err != nil {
				printError(err.Error())
				return nil
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				ev, err := coordination.Decode([]byte(strings.TrimPrefix(line, "data: ")))
				if err != nil {
					printError(err.Error())
					continue
				}
				fmt.Print(formatEvent(ev, time.Now()))
			}
			return scanner.Err()
		},
	}
	return cmd
}
