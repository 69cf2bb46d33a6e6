package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_EchoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, nil, logger.NewNoop())
		if err != nil {
			return
		}
		c.Run(func(c *Conn, data []byte) error {
			var m map[string]string
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			m["echo"] = "true"
			return c.SendJSON(m)
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(ctx, url, nil, nil)
	require.NoError(t, err)

	got := make(chan map[string]string, 1)
	go client.Run(func(_ *Conn, data []byte) error {
		var m map[string]string
		_ = json.Unmarshal(data, &m)
		got <- m
		return nil
	})

	require.NoError(t, client.SendJSON(map[string]string{"type": "offer"}))

	select {
	case m := <-got:
		assert.Equal(t, "offer", m["type"])
		assert.Equal(t, "true", m["echo"])
	case <-ctx.Done():
		t.Fatal("no echo received")
	}

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.ErrorIs(t, client.SendJSON("x"), ErrConnectionClosed)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://play.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://play.example.com")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))
}
