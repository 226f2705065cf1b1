package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mabletask/cdp/database"
	"mabletask/cdp/storage"
	"mabletask/cdp/telemetry"
	"mabletask/cdp/tracker"
)

var (
	sendOptions  string
	sendEndpoint string
	sendProfile  string
	sendURL      string
	sendTitle    string
	sendReferrer string
	sendProps    string
	sendTraits   string
	sendQueue    string
)

// sendCmd drives a tracker client from the command line
var sendCmd = &cobra.Command{
	Use:   "send [event]",
	Short: "Send events through a tracker client",
	Long: `Runs a tracker client as if it were loaded on --url and sends what it is told to.

Commands recorded before load can be replayed from a JSON file with --queue, e.g.
  [["init", {"debug": true}], ["track", "signup", {"plan": "pro"}]]

With --profile the anonymous and user ids persist in a SQLite file between runs.

Examples:
  cdp send page_view --url "https://shop.example.com/?utm_source=news"
  cdp send --traits '{"user_id": "u-42", "email": "a@example.com"}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendOptions, "options", "", "YAML file with tracker options")
	sendCmd.Flags().StringVar(&sendEndpoint, "endpoint", "", "Collector endpoint (overrides --options)")
	sendCmd.Flags().StringVar(&sendProfile, "profile", "", "SQLite file that holds persistent cookies")
	sendCmd.Flags().StringVar(&sendURL, "url", "", "Page URL the client pretends to be on")
	sendCmd.Flags().StringVar(&sendTitle, "title", "", "Page title")
	sendCmd.Flags().StringVar(&sendReferrer, "referrer", "", "Page referrer")
	sendCmd.Flags().StringVar(&sendProps, "props", "", "JSON object of event properties")
	sendCmd.Flags().StringVar(&sendTraits, "traits", "", "JSON object of identify traits")
	sendCmd.Flags().StringVar(&sendQueue, "queue", "", "JSON file with pre-load command calls")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	opts := tracker.DefaultOptions()
	if sendOptions != "" {
		var err error
		if opts, err = tracker.LoadOptions(sendOptions); err != nil {
			return err
		}
	}
	if sendEndpoint != "" {
		opts.Endpoint = sendEndpoint
	}

	cookies, closeJar, err := openCookieJar(ctx, sendProfile)
	if err != nil {
		return err
	}
	defer closeJar()

	pending := []tracker.Command{{Kind: tracker.CommandInit}}
	if sendQueue != "" {
		data, err := os.ReadFile(sendQueue)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		cmds, err := tracker.DecodeQueue(data)
		if err != nil {
			logger.Warn("Skipped queue entries", zap.Error(err))
		}
		pending = append(pending, cmds...)
	}
	if sendTraits != "" {
		traits, err := jsonObject("traits", sendTraits)
		if err != nil {
			return err
		}
		pending = append(pending, tracker.Command{Kind: tracker.CommandIdentify, Properties: traits})
	}
	if len(args) == 1 {
		props, err := jsonObject("props", sendProps)
		if err != nil {
			return err
		}
		pending = append(pending, tracker.Command{Kind: tracker.CommandTrack, Event: args[0], Properties: props})
	}

	client := tracker.NewClient(opts, tracker.Deps{
		Cookies: cookies,
		Metrics: telemetry.NewRecorder(logger),
		Document: tracker.Document{
			Title:    sendTitle,
			URL:      sendURL,
			Referrer: sendReferrer,
		},
		Device: tracker.Device{
			UserAgent: "cdp-cli/" + tracker.Version,
			Language:  "en-US",
		},
	})
	tracker.NewDispatcher(ctx, client, pending...)
	client.Unload(ctx)

	id := client.Identity()
	fmt.Fprintf(cmd.OutOrStdout(), "anonymous_id=%s user_id=%s session_id=%s\n", id.AnonymousID, id.UserID, id.SessionID)
	return nil
}

func openCookieJar(ctx context.Context, path string) (storage.Jar, func(), error) {
	if path == "" {
		return storage.NewMemoryJar(), func() {}, nil
	}

	db, err := database.NewSQLiteDB(path, logger)
	if err != nil {
		return nil, nil, err
	}
	jar, err := storage.NewSQLiteJar(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if n, err := jar.Purge(ctx); err != nil {
		logger.Warn("Failed to purge expired cookies", zap.Error(err))
	} else if n > 0 {
		logger.Debug("Purged expired cookies", zap.Int64("count", n))
	}
	return jar, func() { db.Close() }, nil
}

func jsonObject(flag, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}
