package gateway

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/TammyLattimore/bloom-focus-chain/core"
)

const wsWriteTimeout = 10 * time.Second

// handleStream upgrades the connection and pushes one snapshot per engine
// state transition, starting with the current state. Slow consumers miss
// intermediate transitions rather than stalling the engine.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := s.streamSnapshots(r.Context(), conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamSnapshots(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel := s.engine.Subscribe()
	defer cancel()

	write := func(snap core.Snapshot) error {
		writeCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
		defer done()
		return wsjson.Write(writeCtx, conn, snap)
	}

	if err := write(s.engine.Snapshot()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := write(snap); err != nil {
				return err
			}
		}
	}
}
