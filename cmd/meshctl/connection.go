package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	connectForce bool
	connectTCP   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Connection.GetStatus(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if jsonFlag {
			outputJSON(m)
			return nil
		}

		fmt.Printf("Profile:   %s\n", str(m, "profile"))
		fmt.Printf("State:     %s\n", str(m, "state"))
		if since := num(m, "since_unix_ms"); since > 0 {
			fmt.Printf("Since:     %s\n", time.UnixMilli(since).Format(time.RFC3339))
		}
		if dev := str(m, "device_id"); dev != "" {
			fmt.Printf("Device:    %s (%s)\n", dev, str(m, "transport"))
		}
		if name := str(m, "self_name"); name != "" {
			fmt.Printf("Node:      %s\n", name)
		}
		fmt.Printf("Intent:    %s\n", str(m, "intent"))
		fmt.Printf("Reconnect: %s\n", str(m, "reconnect_state"))
		if _, ok := m["message_count"]; ok {
			fmt.Printf("Contacts:  %d\n", num(m, "contact_count"))
			fmt.Printf("Messages:  %d\n", num(m, "message_count"))
		}
		fmt.Printf("Uptime:    %s\n", (time.Duration(num(m, "uptime_ms")) * time.Millisecond).Round(time.Second))
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [device-id]",
	Short: "Connect to a radio over Bluetooth or TCP",
	Example: `  meshctl connect AA:BB:CC:DD:EE:FF
  meshctl connect --tcp 192.168.1.20:5000`,
	Args: func(cmd *cobra.Command, args []string) error {
		if connectTCP != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var req map[string]any
		if connectTCP != "" {
			host, portStr, err := net.SplitHostPort(connectTCP)
			if err != nil {
				return fmt.Errorf("invalid --tcp address %q: %w", connectTCP, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("invalid port %q", portStr)
			}
			req = map[string]any{"host": host, "port": port, "force_full_sync": connectForce}
		} else {
			req = map[string]any{"device_id": args[0], "force_full_sync": connectForce}
		}

		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		if connectTCP != "" {
			_, err = c.Connection.ConnectTCP(ctx, newStruct(req))
		} else {
			_, err = c.Connection.Connect(ctx, newStruct(req))
		}
		if err != nil {
			return err
		}
		fmt.Println("Connected.")
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect and stop reconnecting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		if _, err := c.Connection.Disconnect(ctx, &emptypb.Empty{}); err != nil {
			return err
		}
		fmt.Println("Disconnected.")
		return nil
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch <device-id>",
	Short: "Drop the current radio and connect to another",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		if _, err := c.Connection.SwitchDevice(ctx, wrapperspb.String(args[0])); err != nil {
			return err
		}
		fmt.Printf("Switched to %s.\n", args[0])
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known and paired radios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Connection.ListDevices(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if jsonFlag {
			outputJSON(m)
			return nil
		}

		fmt.Println("Known:")
		for _, d := range list(m, "known") {
			last := "never"
			if ts := num(d, "last_connected_at"); ts > 0 {
				last = time.Unix(ts, 0).Format(time.RFC3339)
			}
			fmt.Printf("  %-24s %-6s %-20s %s\n", str(d, "id"), str(d, "transport"), str(d, "name"), last)
		}
		fmt.Println("Paired:")
		for _, d := range list(m, "paired") {
			trusted := ""
			if t, _ := d["trusted"].(bool); t {
				trusted = "trusted"
			}
			fmt.Printf("  %-24s %-20s %s\n", str(d, "address"), str(d, "name"), trusted)
		}
		return nil
	},
}

var foregroundCmd = &cobra.Command{
	Use:       "foreground <on|off>",
	Short:     "Tell the daemon whether a user-facing client is active",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		_, err = c.Connection.SetForeground(ctx, wrapperspb.Bool(args[0] == "on"))
		return err
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect or trigger synchronization",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Sync.GetSyncStatus(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		m := resp.AsMap()
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		fmt.Printf("State:      %s\n", str(m, "state"))
		if phase := str(m, "phase"); phase != "" {
			fmt.Printf("Phase:      %s (%d/%d)\n", phase, num(m, "current"), num(m, "total"))
		}
		if reason := str(m, "reason"); reason != "" {
			fmt.Printf("Reason:     %s\n", reason)
		}
		suppressed, _ := m["suppressed"].(bool)
		fmt.Printf("Suppressed: %v\n", suppressed)
		return nil
	},
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run a resync against the connected radio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, c, done, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Sync.Resync(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(map[string]bool{"ok": resp.GetValue()})
			return nil
		}
		if !resp.GetValue() {
			return fmt.Errorf("resync failed")
		}
		fmt.Println("Resync complete.")
		return nil
	},
}

func init() {
	connectCmd.Flags().BoolVar(&connectForce, "force", false, "force a full sync instead of an incremental one")
	connectCmd.Flags().StringVar(&connectTCP, "tcp", "", "connect over TCP to host:port")

	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncNowCmd)
}
