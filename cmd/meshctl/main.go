package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/meshlink/internal/client"
	"github.com/matheus3301/meshlink/internal/profile"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	profileFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "Control a running meshd",
	Long: `meshctl talks to the meshd daemon of a profile over its control socket.

Get started:
  1. Pair the radio with bluetoothctl
  2. Start the daemon: meshd
  3. Connect: meshctl connect AA:BB:CC:DD:EE:FF`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("meshctl %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(foregroundCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// dial resolves the profile and connects to its daemon. The returned
// cancel releases both the context and the connection.
func dial(cmd *cobra.Command, timeout bool) (context.Context, *client.Client, func(), error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return nil, nil, nil, err
	}
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	if timeout {
		cancel()
		ctx, cancel = context.WithTimeout(cmd.Context(), timeoutFlag)
	}
	return ctx, c, func() {
		cancel()
		_ = c.Close()
	}, nil
}

func newStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		// Only called with literal maps of basic types.
		panic(err)
	}
	return s
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func list(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if item, ok := v.(map[string]any); ok {
			out = append(out, item)
		}
	}
	return out
}
