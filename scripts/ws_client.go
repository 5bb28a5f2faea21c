// Package main runs a demo WebSocket client for the live tracking feed.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = "A001"
	}

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/track/ws"}
	hdr := http.Header{}
	hdr.Set("X-User-Id", "ops")
	hdr.Set("X-Role", "dispatcher")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// subscribe to the agent's events
	pl, _ := json.Marshal(map[string]any{"agent_id": agentID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger an event via a location ping
	time.Sleep(500 * time.Millisecond)
	body := []byte(fmt.Sprintf(`{"agent_id":%q,"lat":12.91,"lng":77.61}`, agentID))
	pingReq, _ := http.NewRequest(http.MethodPost, base+"/v1/locations", bytes.NewReader(body))
	pingReq.Header.Set("Content-Type", "application/json")
	pingReq.Header.Set("X-User-Id", agentID)
	pingReq.Header.Set("X-Role", "agent")
	_, _ = http.DefaultClient.Do(pingReq)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
