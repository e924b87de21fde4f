// Command weavectl is a minimal smoke-test client for weaved: it dials
// the WebSocket endpoint, sends one user_message, and prints every
// envelope it receives until the interaction falls quiet.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"weave/internal/transport"
)

var (
	addr    string
	message string
	quiet   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "weavectl",
	Short: "Send one message to a running weaved and print the reply stream",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8080/ws", "weaved WebSocket URL")
	rootCmd.Flags().StringVarP(&message, "message", "m", "hello", "User message to send")
	rootCmd.Flags().DurationVar(&quiet, "quiet-timeout", 5*time.Second, "Stop after this long without a new envelope")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ws, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("weavectl: dial %s: %w", addr, err)
	}
	defer ws.Close()

	payload, err := json.Marshal(transport.UserMessage{Text: message})
	if err != nil {
		return err
	}
	env, err := json.Marshal(transport.Envelope{Type: transport.TypeUserMessage, Payload: json.RawMessage(payload)})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, env); err != nil {
		return fmt.Errorf("weavectl: sending user_message: %w", err)
	}

	for {
		_ = ws.SetReadDeadline(time.Now().Add(quiet))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			fmt.Println("-- connection closed or quiet timeout reached --")
			return nil
		}
		var pretty map[string]any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			fmt.Println(string(raw))
			continue
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	}
}
