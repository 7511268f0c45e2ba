package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func newTestServer(t *testing.T, handle func(*Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		handle(New(ws))
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, url
}

func TestWriteDeliversTextFrameToClient(t *testing.T) {
	srv, url := newTestServer(t, func(c *Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Write(ctx, []byte(`{"ok":true}`))
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	require.Equal(t, `{"ok":true}`, string(data))
}

func TestReadReportsBinaryFrames(t *testing.T) {
	results := make(chan bool, 1)
	srv, url := newTestServer(t, func(c *Conn) {
		_, binary, err := c.Read()
		require.NoError(t, err)
		results <- binary
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	select {
	case binary := <-results:
		require.True(t, binary)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe frame")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv, url := newTestServer(t, func(c *Conn) {
		c.Close(nil)
		c.Close(nil)
	})
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = client.ReadMessage()
}
