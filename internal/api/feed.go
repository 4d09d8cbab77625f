package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fulgencio/kiosk/internal/conversation"
)

const feedWriteTimeout = 5 * time.Second

// handleFeed upgrades to a WebSocket and streams a snapshot on connect and
// after every change. Clients only listen; anything they send is discarded.
// A slow client sees intermediate snapshots coalesced into the latest.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Debug("feed upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	latest := make(chan conversation.Snapshot, 1)
	push := func(snap conversation.Snapshot) {
		select {
		case <-latest:
		default:
		}
		latest <- snap
	}
	push(s.conv.Snapshot())
	cancel := s.conv.Subscribe(push)
	defer cancel()

	s.logger.Debug("feed client connected", "remote", r.RemoteAddr)

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("feed client gone", "remote", r.RemoteAddr)
			return
		case snap := <-latest:
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				s.logFeedError(err)
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				s.logFeedError(err)
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap conversation.Snapshot) error {
	wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, snap)
}

func (s *Server) logFeedError(err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		return
	}
	s.logger.Warn("feed write failed", "err", err)
}
