package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/config"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newNotifyCommand() *cobra.Command {
	var term string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send the end-of-term push notification to every subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.PushEnabled() {
				return fmt.Errorf("push.vapid_public_key and push.vapid_private_key are required")
			}
			app, err := newApplication(appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			broadcaster, err := app.newBroadcaster()
			if err != nil {
				return err
			}
			label := strings.TrimSpace(term)
			if label == "" {
				label = appConfig.NotifyTermLabel
			}
			summary, err := broadcaster.Broadcast(cmd.Context(), label)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&term, "term", "", "Term label shown in the notification")
	return cmd
}

func newMemoCommand() *cobra.Command {
	var (
		userID string
		memoID string
		delay  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "memo",
		Short: "Edit a memo from standard input with debounced saves",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			app, err := newApplication(appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			out := cmd.OutOrStdout()
			autosaver, err := memos.NewAutosaver(memos.AutosaverConfig{
				Saver:  app.memos,
				UserID: userID,
				MemoID: memoID,
				Delay:  delay,
				Logger: app.logger,
				OnSaved: func(memo memos.Memo) {
					fmt.Fprintf(out, "saved memo %s at %s\n", memo.ID, memo.UpdatedAt.UTC().Format(time.RFC3339))
				},
			})
			if err != nil {
				return err
			}
			return editMemo(cmd.Context(), cmd.InOrStdin(), autosaver)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owner of the memo")
	cmd.Flags().StringVar(&memoID, "memo-id", "", "Existing memo to edit; empty creates one")
	cmd.Flags().DurationVar(&delay, "delay", time.Second, "Debounce delay before saving")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// maxMemoLineBytes bounds a single pasted line read by the memo command.
const maxMemoLineBytes = 16 << 20

// editMemo schedules the accumulated text after every input line and flushes on EOF.
func editMemo(ctx context.Context, input io.Reader, autosaver *memos.Autosaver) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMemoLineBytes)
	var content strings.Builder
	for scanner.Scan() {
		if content.Len() > 0 {
			content.WriteByte('\n')
		}
		content.WriteString(scanner.Text())
		if err := autosaver.Schedule(content.String()); err != nil {
			return err
		}
	}
	scanErr := scanner.Err()
	if err := autosaver.Close(ctx); err != nil {
		return err
	}
	return scanErr
}

func newRepairOrdersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair-orders",
		Short: "Renumber every bucket so quest orders are dense again",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			app, err := newApplication(appConfig)
			if err != nil {
				return err
			}
			defer app.close()

			report, err := app.repairOrders(cmd.Context())
			if writeErr := writeJSON(cmd.OutOrStdout(), map[string]int{
				"buckets":        report.Buckets,
				"rows_rewritten": report.RowsRewritten,
			}); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
