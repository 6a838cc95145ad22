package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/crypto"
	"github.com/org/nestcircle/pkg/models"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs a generic API response in the chosen format.
// Commands with a known shape (key status, key rotate, history, watch)
// use the purpose-built renderers below instead.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Println(v)
			}
			return
		}
		for k, v := range data {
			fmt.Printf("%s=%v\n", k, v)
		}
	default:
		renderTable(os.Stdout, data)
	}
}

func renderTable(out io.Writer, data map[string]any) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			parts := make([]string, len(val))
			for i, v := range val {
				parts[i] = fmt.Sprintf("%v", v)
			}
			fmt.Fprintf(w, "%s\t%s\n", k, strings.Join(parts, ", "))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatRotationStatus renders a key/status response in lifecycle order,
// with an explicit banner once rotation is due.
func formatRotationStatus(st models.RotationStatus) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "key id\t%s\n", st.KeyID)
	fmt.Fprintf(w, "fingerprint\t%s\n", st.Fingerprint)
	fmt.Fprintf(w, "days until expiry\t%.1f\n", st.DaysUntilExpiry)
	fmt.Fprintf(w, "needs rotation\t%v\n", st.NeedsRotation)
	fmt.Fprintf(w, "in grace period\t%v\n", st.InGracePeriod)
	w.Flush()
	if st.NeedsRotation {
		b.WriteString("\nRotation is due. Run: nestctl key rotate <channel>\n")
	}
	return b.String()
}

// formatKeySummary renders a freshly rotated key. The fingerprint is the
// only verification handle printed; raw key bytes never reach stdout.
func formatKeySummary(key *models.EncryptionKey) string {
	fp, err := crypto.Fingerprint(key)
	if err != nil {
		fp = "<unavailable>"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "key id\t%s\n", key.ID)
	fmt.Fprintf(w, "fingerprint\t%s\n", fp)
	fmt.Fprintf(w, "created\t%s\n", key.CreatedAt.Format(time.RFC3339))
	if key.ExpiresAt != nil {
		fmt.Fprintf(w, "expires\t%s\n", key.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "expires\tnever\n")
	}
	w.Flush()
	return b.String()
}

// formatHistoryLine renders one message row for the history listing.
func formatHistoryLine(when, user, text string) string {
	return fmt.Sprintf("%s  %s: %s\n", when, user, text)
}

// formatEvent renders a one-line summary per coordination event for the
// watch command. Key shares show the key id only.
func formatEvent(ev coordination.Event, at time.Time) string {
	stamp := at.Format(time.TimeOnly)
	switch e := ev.(type) {
	case coordination.RotationStarted:
		return fmt.Sprintf("%s  [rotation] %s started rotating the channel key\n", stamp, e.UserID)
	case coordination.KeyShared:
		return fmt.Sprintf("%s  [rotation] %s shared key %s\n", stamp, e.UserID, e.Key.KeyID)
	case coordination.RotationCompleted:
		return fmt.Sprintf("%s  [rotation] %s completed rotation to key %s\n", stamp, e.UserID, e.NewKeyID)
	case coordination.MessagePosted:
		mode := "encrypted"
		if !e.Message.IsEncrypted {
			mode = "plaintext"
		}
		return fmt.Sprintf("%s  [message] %s posted a %s message\n", stamp, e.Message.UserID, mode)
	}
	return ""
}

// decodeInto re-shapes a generic API response into a typed struct.
func decodeInto(m map[string]any, dst any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
