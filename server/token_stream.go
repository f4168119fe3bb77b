package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/jrsteele09/campus-attendance/internal/errors"
	"github.com/jrsteele09/campus-attendance/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// TokenHub fans refreshed tokens out to the websocket streams of each session.
type TokenHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan *token.Token]struct{}
}

func NewTokenHub() *TokenHub {
	return &TokenHub{subs: make(map[string]map[chan *token.Token]struct{})}
}

// Subscribe returns a channel of tokens for sessionID and a function that
// must be called to release it.
func (h *TokenHub) Subscribe(sessionID string) (<-chan *token.Token, func()) {
	ch := make(chan *token.Token, 4)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan *token.Token]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[sessionID], ch)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// Publish delivers t to every subscriber of its session. Slow subscribers
// miss the token rather than block the publisher.
func (h *TokenHub) Publish(t *token.Token) {
	if t == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[t.SessionID] {
		select {
		case ch <- t:
		default:
			log.Warn().Str("session_id", t.SessionID).Msg("Token stream subscriber lagging, token dropped")
		}
	}
}

type streamMessage struct {
	Event string       `json:"event"`
	Token *token.Token `json:"token,omitempty"`
}

// TokenStreamHandler pushes the session's current token to the instructor's
// display: once on connect, on every epoch refresh, and again at half the
// token TTL so the code on screen never expires.
func (s *Server) TokenStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		principal := principalFrom(r)

		first, err := s.attendance.GetCurrentToken(r.Context(), principal, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Err(err).Str("session_id", id).Msg("Failed to upgrade to WebSocket")
			return
		}
		defer conn.Close()

		updates, unsubscribe := s.tokens.Subscribe(id)
		defer unsubscribe()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go readUntilClosed(conn, cancel)

		if err := writeStream(conn, streamMessage{Event: "token", Token: first}); err != nil {
			return
		}

		reissue := time.NewTicker(s.attendance.TokenTTL() / 2)
		defer reissue.Stop()
		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()

		log.Info().Str("session_id", id).Msg("Token stream opened")
		for {
			select {
			case <-ctx.Done():
				log.Info().Str("session_id", id).Msg("Token stream closed by client")
				return
			case tok := <-updates:
				if err := writeStream(conn, streamMessage{Event: "token", Token: tok}); err != nil {
					return
				}
			case <-reissue.C:
				tok, err := s.attendance.GetCurrentToken(ctx, principal, id)
				if err != nil {
					if errors.Is(err, apperrors.ErrSessionNotActive) || errors.Is(err, apperrors.ErrSessionNotFound) {
						_ = writeStream(conn, streamMessage{Event: "closed"})
						return
					}
					log.Err(err).Str("session_id", id).Msg("Failed to reissue token")
					continue
				}
				if err := writeStream(conn, streamMessage{Event: "token", Token: tok}); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func writeStream(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Msg("Token stream write failed")
		return err
	}
	return nil
}

// readUntilClosed drains client frames so pongs and close frames are
// processed, and cancels once the connection is gone.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
