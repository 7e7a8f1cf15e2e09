// Broker Event Stream Client Example (Go)
//
// Demonstrates connecting to GET /v1/stream?agent_id=...&project_hash=...,
// reading the initial snapshot frame, and then reading one event frame
// per line as they arrive. The stream is one-directional server push;
// there is no request/response layer, so there is nothing to call —
// mutations go through the CLI or the broker's own process, not this
// client.
//
// Usage:
//
//	go run ws-client.go ws://localhost:8787/v1/stream?agent_id=agent:dev:abc123
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

// Frame mirrors internal/eventstream.Frame — the wire shape.
type Frame struct {
	Seq        uint64          `json:"seq"`
	Kind       string          `json:"kind"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	GapSince   uint64          `json:"gap_since,omitempty"`
}

type messageCreatedPayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
}

func main() {
	url := "ws://localhost:8787/v1/stream?agent_id=agent:dev:abc123"
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}

			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				log.Printf("unmarshal frame: %v", err)
				continue
			}

			switch f.Kind {
			case "snapshot":
				fmt.Printf("snapshot: %s\n", string(f.Payload))
			case "message.created":
				var p messageCreatedPayload
				if err := json.Unmarshal(f.Payload, &p); err != nil {
					log.Printf("unmarshal message.created: %v", err)
					continue
				}
				fmt.Printf("[seq %d] %s: %s\n", f.Seq, p.SenderID, p.Content)
			default:
				if f.GapSince != 0 {
					fmt.Printf("[seq %d] gap: missed frames since %d\n", f.Seq, f.GapSince)
					continue
				}
				fmt.Printf("[seq %d] %s\n", f.Seq, f.Kind)
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-interrupt:
		log.Println("shutting down")
	case <-done:
	}
}
