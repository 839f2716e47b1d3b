package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	msgLimit     int
	msgBefore    int64
	searchConv   string
	listDeviceID string
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with their latest message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Message.ListConversations(ctx, newStruct(map[string]any{
			"device_id": listDeviceID,
			"limit":     msgLimit,
		}))
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		for _, cv := range list(m, "conversations") {
			fmt.Printf("%-28s %-20s %5d  %s\n", str(cv, "id"), str(cv, "name"), num(cv, "message_count"), str(cv, "preview"))
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:     "messages <conversation>",
	Short:   "Show the history of a conversation",
	Example: "  meshctl messages channel:0 --limit 20",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Message.ListMessages(ctx, newStruct(map[string]any{
			"device_id":    listDeviceID,
			"conversation": args[0],
			"limit":        msgLimit,
			"before_ts":    msgBefore,
		}))
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		// Newest first on the wire; print oldest first.
		msgs := list(m, "messages")
		for i := len(msgs) - 1; i >= 0; i-- {
			printMessage(msgs[i])
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over stored messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Message.SearchMessages(ctx, newStruct(map[string]any{
			"device_id":    listDeviceID,
			"query":        strings.Join(args, " "),
			"conversation": searchConv,
			"limit":        msgLimit,
		}))
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		for _, r := range list(m, "results") {
			msg, _ := r["message"].(map[string]any)
			fmt.Printf("%-20s %s\n", str(msg, "conversation"), str(r, "snippet"))
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:     "send <conversation> <text...>",
	Short:   "Queue a text message for delivery",
	Example: "  meshctl send contact:a1b2c3d4e5f6 hello there",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Message.SendText(ctx, newStruct(map[string]any{
			"conversation": args[0],
			"text":         strings.Join(args[1:], " "),
		}))
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		fmt.Printf("Queued %s (%s).\n", str(m, "client_msg_id"), str(m, "status"))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:       "watch [connection|sync|message]",
	Short:     "Stream daemon events until interrupted",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"connection", "sync", "message"},
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := "message"
		if len(args) == 1 {
			topic = args[0]
		}

		ctx, c, done, err := dial(cmd, false)
		if err != nil {
			return err
		}
		defer done()

		var stream grpc.ServerStreamingClient[structpb.Struct]
		switch topic {
		case "connection":
			stream, err = c.Connection.WatchConnectionEvents(ctx, &emptypb.Empty{})
		case "sync":
			stream, err = c.Sync.WatchSyncEvents(ctx, &emptypb.Empty{})
		default:
			stream, err = c.Message.WatchMessageEvents(ctx, &emptypb.Empty{})
		}
		if err != nil {
			return err
		}

		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			m := evt.AsMap()
			if jsonFlag {
				outputJSON(m)
				continue
			}
			at := time.UnixMilli(num(m, "occurred_at_unix_ms")).Format(time.TimeOnly)
			fmt.Printf("%s %-28s %v\n", at, str(m, "kind"), m["payload"])
		}
	},
}

func printMessage(m map[string]any) {
	at := time.Unix(num(m, "sender_ts"), 0).Format(time.DateTime)
	who := str(m, "sender_name")
	if str(m, "direction") == "out" {
		who = "me"
	}
	line := fmt.Sprintf("[%s] %s: %s", at, who, str(m, "body"))
	if st := str(m, "status"); st != "" && str(m, "direction") == "out" {
		line += " (" + st + ")"
	}
	for _, r := range list(m, "reactions") {
		line += " " + str(r, "emoji")
	}
	fmt.Println(line)
}

func init() {
	for _, cmd := range []*cobra.Command{conversationsCmd, messagesCmd, searchCmd} {
		cmd.Flags().IntVar(&msgLimit, "limit", 50, "maximum number of rows")
		cmd.Flags().StringVar(&listDeviceID, "device", "", "read another radio's history")
	}
	messagesCmd.Flags().Int64Var(&msgBefore, "before", 0, "only messages older than this unix timestamp")
	searchCmd.Flags().StringVar(&searchConv, "conversation", "", "restrict to one conversation")
}
