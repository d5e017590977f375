package bridge

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geoyee/seacache/internal/model"
)

func dial(t *testing.T, backend Backend) *websocket.Conn {
	t.Helper()
	return dialHub(t, backend, nil)
}

func dialHub(t *testing.T, backend Backend, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(Handler(backend, hub, nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(%s) failed: %v", data, err)
	}
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func TestWebsocketSendsNetworkStatus(t *testing.T) {
	conn := dial(t, &fakeService{online: true})
	if msg := readMessage(t, conn); msg != (NetworkStatus{IsOnline: true}) {
		t.Errorf("Expected online status first, got %#v", msg)
	}
}

func TestWebsocketDownloadRoundTrip(t *testing.T) {
	svc := &fakeService{}
	conn := dial(t, svc)
	readMessage(t, conn)

	writeMessage(t, conn, StartDownload{Name: "Elba"})
	if msg := readMessage(t, conn); msg != (GetBounds{}) {
		t.Fatalf("Expected getBounds, got %#v", msg)
	}

	// malformed frames are skipped
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}

	bounds := model.Bounds{North: 44, South: 43, East: 12, West: 11}
	writeMessage(t, conn, BoundsReady{Bounds: bounds, Zoom: 10})

	deadline := time.Now().Add(5 * time.Second)
	var cbReady bool
	for time.Now().Before(deadline) {
		if req, _ := svc.started(); req != nil {
			cbReady = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cbReady {
		t.Fatal("Download was not started")
	}

	_, cb := svc.started()
	cb.OnProgress(model.Progress{Progress: 50})
	if msg := readMessage(t, conn); msg != (DownloadProgress{Progress: 50}) {
		t.Errorf("Expected progress 50, got %#v", msg)
	}
}

func TestHubTracksRenderers(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, &fakeService{}, hub)
	readMessage(t, conn)

	if st := hub.Status(); st.Connected != 1 || st.Ready != 0 {
		t.Fatalf("Unexpected status before mapReady %+v", st)
	}

	writeMessage(t, conn, MapReady{})
	deadline := time.Now().Add(5 * time.Second)
	for hub.Status().Ready != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := hub.Status(); st.Ready != 1 {
		t.Fatalf("Expected one ready renderer, got %+v", st)
	}

	bounds := model.Bounds{North: 44, South: 43, East: 12, West: 11}
	if n := hub.Navigate(model.OfflineRegion{Bounds: bounds}); n != 1 {
		t.Errorf("Expected one renderer asked, got %d", n)
	}
	if msg := readMessage(t, conn); msg != (NavigateToRegion{Bounds: bounds}) {
		t.Errorf("Expected navigateToRegion, got %#v", msg)
	}

	conn.Close()
	deadline = time.Now().Add(5 * time.Second)
	for hub.Status().Connected != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st := hub.Status(); st.Connected != 0 {
		t.Errorf("Closed renderer should be dropped, got %+v", st)
	}
}
