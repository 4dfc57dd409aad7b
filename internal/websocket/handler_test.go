package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/config"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func testServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		AllowedOrigins: []string{"http://allowed.example"},
		PongWait:       time.Minute,
		PingPeriod:     50 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 4096,
		SendBufferSize: 16,
	}
	hub := NewHub(16, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, &fakeSyncer{seq: 7}, cfg, zerolog.Nop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
}

// readFrame reads the next websocket message and returns its first frame
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	first, _, _ := bytes.Cut(data, []byte{'\n'})
	var m map[string]any
	if err := json.Unmarshal(first, &m); err != nil {
		t.Fatalf("decode %s: %v", first, err)
	}
	return m
}

func TestHandlerSubscribesAndStreams(t *testing.T) {
	hub, srv := testServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "channels=queue&client_id=display-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := readFrame(t, conn)
	if hello["type"] != types.MessageSubscribed {
		t.Fatalf("expected subscribed, got %v", hello)
	}
	if hello["sequence_number"].(float64) != 7 {
		t.Errorf("expected current sequence 7, got %v", hello["sequence_number"])
	}

	hub.Deliver(types.SyncEvent{Sequence: 8, Type: types.EventQueueUpdate, Channels: []string{types.ChannelQueue}})

	ev := readFrame(t, conn)
	if ev["event_type"] != string(types.EventQueueUpdate) || ev["sequence_number"].(float64) != 8 {
		t.Errorf("unexpected event frame %v", ev)
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	_, srv := testServer(t)

	t.Run("foreign origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
		if err == nil {
			t.Fatal("expected dial to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("expected 403, got %v", resp)
		}
	})

	t.Run("invalid last_seq", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "last_seq=abc"), nil)
		if err == nil {
			t.Fatal("expected dial to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %v", resp)
		}
	})
}
