package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hearthchat/hearth/pkg/client"
)

// CLI verbs talking to a running instance over its HTTP API.

func init() {
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(invalidateCmd)

	for _, cmd := range []*cobra.Command{eventCmd, receiptCmd, positionsCmd, membersCmd, invalidateCmd} {
		cmd.Flags().String("addr", "http://localhost:8448", "Instance API address")
	}

	eventCmd.Flags().String("room", "", "Room ID (required)")
	eventCmd.Flags().String("type", "m.room.message", "Event type")
	eventCmd.Flags().String("state-key", "", "State key (makes this a state event)")
	eventCmd.Flags().String("sender", "", "Sender user ID")
	eventCmd.Flags().String("content", "{}", "Event content as JSON")
	eventCmd.MarkFlagRequired("room")

	receiptCmd.Flags().String("room", "", "Room ID (required)")
	receiptCmd.Flags().String("user", "", "User ID (required)")
	receiptCmd.Flags().String("event", "", "Event ID the receipt points at (required)")
	receiptCmd.Flags().String("receipt-type", "m.read", "Receipt type")
	receiptCmd.MarkFlagRequired("room")
	receiptCmd.MarkFlagRequired("user")
	receiptCmd.MarkFlagRequired("event")

	membersCmd.Flags().String("room", "", "Room ID (required)")
	membersCmd.MarkFlagRequired("room")

	invalidateCmd.Flags().String("cache", "", "Cache name (required)")
	invalidateCmd.Flags().StringSlice("keys", nil, "Keys to drop (omit for all)")
	invalidateCmd.MarkFlagRequired("cache")
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Persist an event via the manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		room, _ := cmd.Flags().GetString("room")
		evType, _ := cmd.Flags().GetString("type")
		stateKey, _ := cmd.Flags().GetString("state-key")
		sender, _ := cmd.Flags().GetString("sender")
		content, _ := cmd.Flags().GetString("content")

		req := client.EventRequest{
			EventID: "$" + uuid.New().String(),
			Type:    evType,
			Sender:  sender,
			Content: json.RawMessage(content),
		}
		if cmd.Flags().Changed("state-key") {
			req.StateKey = &stateKey
		}

		ctx, cancel := cliContext()
		defer cancel()
		events, err := apiClient(cmd).SendEvents(ctx, room, []client.EventRequest{req})
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Rejected != "" {
				fmt.Printf("%s rejected: %s\n", ev.EventID, ev.Rejected)
				continue
			}
			fmt.Printf("%s persisted at stream ordering %d\n", ev.EventID, ev.StreamOrdering)
		}
		return nil
	},
}

var receiptCmd = &cobra.Command{
	Use:   "receipt",
	Short: "Set a read receipt via the manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		room, _ := cmd.Flags().GetString("room")
		user, _ := cmd.Flags().GetString("user")
		event, _ := cmd.Flags().GetString("event")
		receiptType, _ := cmd.Flags().GetString("receipt-type")

		ctx, cancel := cliContext()
		defer cancel()
		streamID, err := apiClient(cmd).SendReceipt(ctx, room, receiptType, user, event)
		if err != nil {
			return err
		}
		fmt.Printf("receipt set at stream ID %d\n", streamID)
		return nil
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Show an instance's stream positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()
		positions, err := apiClient(cmd).StreamPositions(ctx)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(positions))
		for name := range positions {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STREAM\tPOSITION")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%d\n", name, positions[name])
		}
		return w.Flush()
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List a room's members via a worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		room, _ := cmd.Flags().GetString("room")

		ctx, cancel := cliContext()
		defer cancel()
		members, err := apiClient(cmd).RoomMembers(ctx, room)
		if err != nil {
			return err
		}
		for _, m := range members {
			fmt.Println(m)
		}
		return nil
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Replicate an explicit cache invalidation",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("cache")
		keys, _ := cmd.Flags().GetStringSlice("keys")
		if !cmd.Flags().Changed("keys") {
			keys = nil
		}

		ctx, cancel := cliContext()
		defer cancel()
		if err := apiClient(cmd).InvalidateCache(ctx, name, keys); err != nil {
			return err
		}
		fmt.Println("invalidation queued")
		return nil
	},
}
