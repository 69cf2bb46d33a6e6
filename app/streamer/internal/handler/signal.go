package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/stream"
	"github.com/lk2023060901/xplay/pkg/web"
	"github.com/lk2023060901/xplay/pkg/websocket"
)

// 信令消息类型
const (
	MsgOffer     = "offer"
	MsgAnswer    = "answer"
	MsgCandidate = "candidate"
	MsgBye       = "bye"
	MsgError     = "error"
)

// SignalMessage 信令通道上的 JSON 消息
type SignalMessage struct {
	Type      string               `json:"type"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *stream.ICECandidate `json:"candidate,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// Signal GET /v1/signal/:session_id
//
// 客户端发送 offer 与候选，主机回 answer 并推送本地候选。
// 通道断开不会结束会话，客户端可重新连接。
func (h *Handler) Signal(c *gin.Context) {
	id := c.Param("session_id")
	s, ok := h.launcher.Get(id)
	if !ok {
		web.Error(c, http.StatusNotFound, reasonNotFound, fmt.Sprintf("session %s not found", id))
		return
	}

	conn, err := websocket.Upgrade(c.Writer, c.Request, h.wsCfg, h.logger)
	if err != nil {
		h.logger.Debug("signal upgrade failed", "session_id", id, "error", err)
		return
	}
	l := h.logger.WithFields("session_id", id, "conn_id", conn.ID())

	if !s.Attach(func(cand stream.ICECandidate) {
		if err := conn.SendJSON(SignalMessage{Type: MsgCandidate, Candidate: &cand}); err != nil {
			l.Debug("send candidate failed", "error", err)
		}
	}) {
		l.Warn("signaling channel already attached")
		_ = conn.Close()
		return
	}
	defer s.Detach()

	go func() {
		select {
		case <-s.Done():
			_ = conn.SendJSON(SignalMessage{Type: MsgBye})
			_ = conn.Close()
		case <-conn.Done():
		}
	}()

	sig := s.Signaler()
	conn.Run(func(conn *websocket.Conn, data []byte) error {
		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return conn.SendJSON(SignalMessage{Type: MsgError, Message: "malformed message"})
		}

		switch msg.Type {
		case MsgOffer:
			answer, err := answerOffer(sig, msg.SDP)
			if err != nil {
				l.Warn("offer rejected", "error", err)
				return conn.SendJSON(SignalMessage{Type: MsgError, Message: err.Error()})
			}
			return conn.SendJSON(SignalMessage{Type: MsgAnswer, SDP: answer.SDP})
		case MsgCandidate:
			if msg.Candidate == nil {
				return nil
			}
			if err := sig.AddICECandidate(*msg.Candidate); err != nil {
				return conn.SendJSON(SignalMessage{Type: MsgError, Message: err.Error()})
			}
			return nil
		case MsgBye:
			return conn.Close()
		default:
			return conn.SendJSON(SignalMessage{Type: MsgError, Message: "unknown message type " + msg.Type})
		}
	})
	l.Debug("signaling channel closed")
}

func answerOffer(sig *stream.Signaler, sdp string) (stream.SessionDescription, error) {
	if err := sig.SetRemoteDescription(stream.SessionDescription{Type: stream.SDPTypeOffer, SDP: sdp}); err != nil {
		return stream.SessionDescription{}, err
	}
	answer, err := sig.CreateAnswer()
	if err != nil {
		return stream.SessionDescription{}, err
	}
	if err := sig.SetLocalDescription(answer); err != nil {
		return stream.SessionDescription{}, err
	}
	return answer, nil
}
