package eventstream_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claude-slack/broker/internal/eventbus"
	"github.com/claude-slack/broker/internal/eventstream"
)

type fakeSnapshots struct{}

func (fakeSnapshots) Snapshot(agentID, projectHash string) (any, error) {
	return map[string]any{"agent_id": agentID, "channels": []string{"global:general"}}, nil
}

func TestServeSendsSnapshotThenEvents(t *testing.T) {
	bus := eventbus.New(16)

	serveErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveErr <- eventstream.Serve(w, r, bus, fakeSnapshots{}, "alice", "hash1")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snapshotFrame eventstream.Frame
	if err := json.Unmarshal(data, &snapshotFrame); err != nil {
		t.Fatalf("unmarshal snapshot frame: %v", err)
	}
	if snapshotFrame.Kind != "snapshot" {
		t.Fatalf("expected first frame to be a snapshot, got %q", snapshotFrame.Kind)
	}

	// Give Serve's goroutine time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(eventbus.Event{Kind: "message.created", EntityID: "msg_1", Timestamp: time.Now().UTC()})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var eventFrame eventstream.Frame
	if err := json.Unmarshal(data, &eventFrame); err != nil {
		t.Fatalf("unmarshal event frame: %v", err)
	}
	if eventFrame.Kind != "message.created" || eventFrame.EntityID != "msg_1" {
		t.Fatalf("unexpected event frame: %+v", eventFrame)
	}
}
