// Command asap-client sends a single task.request envelope to an ASAP
// server over HTTP or WebSocket and prints the reply. Modeled on the
// teacher's cmd/test-client main: stdlib flag, one-shot request/response,
// exit code carries success/failure for scripting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/transport/httpclient"
	"github.com/asap-project/asap-go/transport/websocket"
)

func main() {
	serverURL := flag.String("url", "http://127.0.0.1:8080", "base URL of the target ASAP server (ws:// or wss:// selects the WebSocket transport)")
	sender := flag.String("sender", "urn:asap:agent:reference-client", "this agent's URN")
	recipient := flag.String("recipient", "urn:asap:agent:reference-server", "target agent's URN")
	skill := flag.String("skill", "echo", "skill_id to request")
	input := flag.String("input", "{}", "JSON object to send as the task input")
	token := flag.String("token", os.Getenv("ASAP_BEARER_TOKEN"), "bearer token for the request (or set ASAP_BEARER_TOKEN)")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	fetchManifest := flag.Bool("manifest", false, "fetch and print the server's manifest instead of sending a task")
	flag.Parse()

	var inputPayload map[string]any
	if err := json.Unmarshal([]byte(*input), &inputPayload); err != nil {
		fmt.Fprintf(os.Stderr, "asap-client: invalid -input JSON: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if isWebSocketURL(*serverURL) {
		runOverWebSocket(ctx, *serverURL, *sender, *recipient, *skill, inputPayload, *token)
		return
	}
	runOverHTTP(ctx, *serverURL, *sender, *recipient, *skill, inputPayload, *token, *fetchManifest)
}

func isWebSocketURL(u string) bool {
	return len(u) >= 5 && (u[:5] == "ws://" || (len(u) >= 6 && u[:6] == "wss://"))
}

func buildRequest(sender, recipient, skill string, input map[string]any) (*envelope.Envelope, error) {
	return envelope.New(envelope.Params{
		Sender:      sender,
		Recipient:   recipient,
		PayloadType: "task.request",
		Payload: map[string]any{
			"conversation_id": "cli-" + time.Now().UTC().Format("20060102T150405"),
			"skill_id":        skill,
			"input":           input,
		},
	})
}

func runOverHTTP(ctx context.Context, baseURL, sender, recipient, skill string, input map[string]any, token string, fetchManifest bool) {
	opts := []httpclient.Option{httpclient.WithSender(sender)}
	if token != "" {
		opts = append(opts, httpclient.WithBearerToken(token))
	}
	client := httpclient.New(baseURL, opts...)
	defer client.Close()

	if fetchManifest {
		m, err := client.GetManifest(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "asap-client: fetch manifest: %v\n", err)
			os.Exit(1)
		}
		printJSON(m)
		return
	}

	env, err := buildRequest(sender, recipient, skill, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asap-client: build envelope: %v\n", err)
		os.Exit(1)
	}

	reply, err := client.Send(ctx, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asap-client: send failed: %v\n", err)
		os.Exit(1)
	}
	printEnvelope(reply)
}

func runOverWebSocket(ctx context.Context, wsURL, sender, recipient, skill string, input map[string]any, token string) {
	cfg := websocket.Config{URL: wsURL}
	transport, err := websocket.Dial(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asap-client: dial failed: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	env, err := buildRequest(sender, recipient, skill, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asap-client: build envelope: %v\n", err)
		os.Exit(1)
	}

	reply, err := transport.Send(ctx, env, env.ID())
	if err != nil {
		fmt.Fprintf(os.Stderr, "asap-client: send failed: %v\n", err)
		os.Exit(1)
	}
	printEnvelope(reply)
}

func printEnvelope(env *envelope.Envelope) {
	body, err := env.MarshalJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "asap-client: encode reply: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(body)
	fmt.Println()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
