// ABOUTME: Websocket session endpoint: handshake, admission, and engine lifecycle
// ABOUTME: Ties connection teardown to registry release without evicting successors

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finsight/chatgate/internal/auth"
	"github.com/finsight/chatgate/internal/registry"
	"github.com/finsight/chatgate/internal/session"
)

// closeNotApproved is the websocket close code sent when admission fails
// because the account lost approved status between handshake and admit.
const closeNotApproved = 4003

// handleWS upgrades the connection, admits it into the registry, and runs the
// session engine until disconnect or eviction.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	authCtx, status, errMsg := auth.Authenticate(r.Context(), g.accounts, g.verifier, token)
	if errMsg != "" {
		writeError(w, status, errMsg)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := session.NewWSConn(ws)
	conn.Start()

	sess, err := g.registry.Admit(r.Context(), authCtx.AccountID, conn)
	if err != nil {
		code, msg := closeNotApproved, "account is not approved"
		if !errors.Is(err, registry.ErrNotApproved) {
			code, msg = websocket.CloseInternalServerErr, "internal error"
			g.logger.Error("session admission failed", "account_id", authCtx.AccountID, "error", err)
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, msg),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	if g.metrics != nil {
		g.metrics.SessionOpened()
		defer g.metrics.SessionClosed()
	}
	g.logger.Info("session opened", "account_id", authCtx.AccountID)

	var recorder session.Recorder
	if g.metrics != nil {
		recorder = g.metrics
	}
	engine := session.NewEngine(session.Config{
		AccountID:    authCtx.AccountID,
		Store:        g.store,
		Agent:        g.agent,
		Transport:    conn,
		AgentTimeout: g.config.Agent.Timeout,
		Logger:       g.logger,
		Metrics:      recorder,
	})

	// the engine outlives neither the read loop nor an eviction
	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	// blocks until the peer disconnects or the registry force-closes us
	conn.ReadFrames(engine.Submit)

	cancel()
	_ = conn.Close()
	// Release only removes our own entry; a successor admitted by
	// last-writer-wins stays untouched.
	g.registry.Release(sess)
	g.logger.Info("session closed", "account_id", authCtx.AccountID)
}
