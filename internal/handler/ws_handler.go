package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astroconnect/consult-service/internal/errs"
	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/presence"
	"github.com/astroconnect/consult-service/internal/service"
	"github.com/astroconnect/consult-service/pkg/constants"
)

// ChatWSHandler handles WebSocket connections for /ws/chat/:role/:participant_id.
// Each connection is one participant's event channel; the presence registry
// keys it by identity so a reconnect swaps the transport without losing
// session state.
type ChatWSHandler struct {
	reg      *presence.Registry
	svc      *service.SessionService
	clock    *service.BillingClock
	upgrader websocket.Upgrader
	maxMsg   int64
	logger   *zap.Logger
}

// NewChatWSHandler creates the WebSocket chat handler.
func NewChatWSHandler(reg *presence.Registry, svc *service.SessionService, clock *service.BillingClock, readBuf, writeBuf int, maxMsgSize int64, logger *zap.Logger) *ChatWSHandler {
	return &ChatWSHandler{
		reg:    reg,
		svc:    svc,
		clock:  clock,
		maxMsg: maxMsgSize,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			// Allow all origins for dev; in prod set CheckOrigin.
		},
	}
}

// wsPeer is one participant's connection; it implements presence.Conn.
type wsPeer struct {
	participantID string
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{}
	closeOnce     sync.Once
}

// Send queues an event for delivery. Delivery is best-effort: a full buffer
// or closed connection drops the event, never blocks the caller.
func (p *wsPeer) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(model.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errors.New("connection closed")
	case p.send <- frame:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close signals the pumps to shut the connection down.
func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// ServeWS upgrades the request and runs the event loop.
// Path: /ws/chat/:role/:participant_id, role is "user" or "astrologer".
func (h *ChatWSHandler) ServeWS(c *gin.Context) {
	roleParam := c.Param("role")
	participantID := c.Param("participant_id")
	if participantID == "" || (roleParam != string(presence.RoleUser) && roleParam != string(presence.RoleAstrologer)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role (user|astrologer) and participant_id required"})
		return
	}
	role := presence.Role(roleParam)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	if h.maxMsg > 0 {
		conn.SetReadLimit(h.maxMsg)
	}

	peer := &wsPeer{
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, 256),
		done:          make(chan struct{}),
	}
	cleanup := h.reg.RegisterOnline(participantID, role, peer)
	defer cleanup()
	defer peer.Close()

	go h.writePump(peer)
	h.readPump(c, peer, role)
}

func (h *ChatWSHandler) writePump(p *wsPeer) {
	defer func() {
		_ = p.conn.Close()
	}()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = p.Close()
				return
			}
		}
	}
}

func (h *ChatWSHandler) readPump(c *gin.Context, p *wsPeer, role presence.Role) {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendError(p, "malformed event envelope")
			continue
		}
		h.dispatch(c, p, role, env)
	}
}

// dispatch routes one inbound event. Only the canonical vocabulary is
// accepted; the connection's path identity overrides any ids in payloads.
func (h *ChatWSHandler) dispatch(c *gin.Context, p *wsPeer, role presence.Role, env model.Envelope) {
	ctx := c.Request.Context()
	switch env.Event {
	case constants.EventUserOnline, constants.EventAstrologerOnline:
		// Registration already happened on connect; explicit online events
		// are accepted for client compatibility.
		h.logger.Debug("presence re-announce", zap.String("participant_id", p.participantID))

	case constants.EventUserRequestsChat:
		var pl model.UserRequestsChatPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			h.sendError(p, "malformed userRequestsChat payload")
			return
		}
		if _, err := h.svc.SubmitRequest(ctx, p.participantID, pl.AstrologerID, pl.UserName); err != nil {
			h.sendError(p, err.Error())
		}

	case constants.EventAstrologerAcceptsChat:
		var pl model.AstrologerAcceptsChatPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			h.sendError(p, "malformed astrologerAcceptsChat payload")
			return
		}
		_, err := h.svc.AcceptRequest(ctx, p.participantID, pl.RequestID)
		if errors.Is(err, errs.ErrStaleRequest) {
			// The race already resolved; hand the loser the winning session.
			if sid, ok := h.svc.ResolvedSession(pl.RequestID); ok {
				_ = p.Send(constants.EventSessionCreated, model.SessionCreatedPayload{SessionID: sid})
				return
			}
		}
		if err != nil {
			h.sendError(p, err.Error())
		}

	case constants.EventJoinSession:
		var pl model.JoinSessionPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			h.sendError(p, "malformed joinSession payload")
			return
		}
		h.resync(ctx, p, pl.SessionID)

	case constants.EventSendMessage:
		var pl model.SendMessagePayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			h.sendError(p, "malformed sendMessage payload")
			return
		}
		msg, err := h.svc.SendMessage(ctx, pl.SessionID, p.participantID, pl.ReceiverID, pl.Content)
		if err != nil {
			h.sendError(p, err.Error())
			return
		}
		// Echo to the sender so both sides render the persisted record.
		_ = p.Send(constants.EventReceiveMessage, model.ReceiveMessagePayload{Message: *msg})

	case constants.EventEndChat:
		var pl model.EndChatPayload
		if err := json.Unmarshal(env.Data, &pl); err != nil {
			h.sendError(p, "malformed endChat payload")
			return
		}
		if _, err := h.svc.End(ctx, pl.SessionID, string(role), ""); err != nil {
			h.sendError(p, err.Error())
		}

	default:
		h.sendError(p, "unknown event: "+env.Event)
	}
}

// resync pushes authoritative session counters to a (re)joining client, which
// must never trust its locally extrapolated timer.
func (h *ChatWSHandler) resync(ctx context.Context, p *wsPeer, sessionID string) {
	sess, err := h.svc.Get(ctx, sessionID)
	if err != nil {
		h.sendError(p, err.Error())
		return
	}
	elapsed, minutes, coins, earnings := sess.ElapsedSeconds, sess.MinutesBilled, sess.UserCoinsSnapshot, sess.AstrologerEarnings
	if snap, running := h.clock.Snapshot(sessionID); running {
		elapsed, minutes, coins, earnings = snap.Elapsed, snap.Minutes, snap.CoinsLeft, snap.Earnings
	}
	_ = p.Send(constants.EventTimerTick, model.TimerTickPayload{ElapsedSeconds: elapsed})
	if minutes > 0 {
		_ = p.Send(constants.EventMinuteBilled, model.MinuteBilledPayload{
			Minutes:            minutes,
			CoinsLeft:          coins,
			AstrologerEarnings: earnings,
		})
	}
}

func (h *ChatWSHandler) sendError(p *wsPeer, msg string) {
	_ = p.Send(constants.EventError, model.ErrorPayload{Message: msg})
}
