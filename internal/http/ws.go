package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

const (
	maxMessageSize = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

// Inbound event names accepted besides identify and report-location.
const (
	eventJoin                  = "join"
	eventUpdateLocationCaptain = "update-location-captain"
)

var (
	errIdentityMismatch = errors.New("identity does not match the authenticated actor")
	errNotIdentified    = errors.New("identify before reporting a location")
	errUnknownEvent     = errors.New("unknown event")
	errMalformedMessage = errors.New("malformed message")
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type identifyMessage struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

func (m identifyMessage) identity() string {
	if m.Identity != "" {
		return m.Identity
	}
	return m.UserID
}

func (m identifyMessage) role() models.Role {
	r := m.Role
	if r == "" {
		r = m.UserType
	}
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "user", string(models.RoleRider):
		return models.RoleRider
	case string(models.RoleCaptain):
		return models.RoleCaptain
	default:
		return models.Role(r)
	}
}

// wireCoord keeps missing fields distinguishable from zero.
type wireCoord struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type locationMessage struct {
	Identity   string     `json:"identity"`
	UserID     string     `json:"userId"`
	Coordinate *wireCoord `json:"coordinate"`
	Location   *wireCoord `json:"location"`
}

func (m locationMessage) identity() string {
	if m.Identity != "" {
		return m.Identity
	}
	return m.UserID
}

// coord returns the reported coordinate, or presence.ErrInvalidLocation when
// it is absent or either field is missing.
func (m locationMessage) coord() (*models.Coord, error) {
	w := m.Coordinate
	if w == nil {
		w = m.Location
	}
	if w == nil || w.Lat == nil || w.Lng == nil {
		return nil, presence.ErrInvalidLocation
	}
	return &models.Coord{Lat: *w.Lat, Lng: *w.Lng}, nil
}

type errorEvent struct {
	Message string `json:"message"`
}

// wsConn is the state of one upgraded connection.
type wsConn struct {
	handle     string
	actor      models.Actor
	identified bool
}

// handleWS upgrades the request and serves inbound events until the client
// goes away. The connection may only identify as the actor that authenticated it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, actor *models.Actor) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "ws_upgrade_failed", "error", err)
		return
	}
	c := &wsConn{handle: s.hub.Add(conn), actor: *actor}
	ctx := context.WithoutCancel(r.Context())
	s.logger.InfoContext(ctx, "ws_connected", "handle", c.handle, "actor", actor.ID)

	done := make(chan struct{})
	defer func() {
		close(done)
		s.presence.Disconnect(ctx, c.handle)
		s.hub.Remove(c.handle)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go s.keepAlive(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WarnContext(ctx, "ws_read_failed", "handle", c.handle, "error", err)
			}
			return
		}
		if err := s.handleInbound(ctx, c, data); err != nil {
			s.reply(c.handle, err)
		}
	}
}

func (s *Server) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleInbound(ctx context.Context, c *wsConn, data []byte) error {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return errMalformedMessage
	}
	switch msg.Event {
	case models.EventIdentify, eventJoin:
		var m identifyMessage
		if err := decodeData(msg.Data, &m); err != nil {
			return err
		}
		return s.identify(ctx, c, m)
	case models.EventReportLocation, eventUpdateLocationCaptain:
		var m locationMessage
		if err := decodeData(msg.Data, &m); err != nil {
			return err
		}
		return s.reportLocation(ctx, c, m)
	default:
		return errUnknownEvent
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errMalformedMessage
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errMalformedMessage
	}
	return nil
}

func (s *Server) identify(ctx context.Context, c *wsConn, m identifyMessage) error {
	identity, role := m.identity(), m.role()
	if identity == "" {
		identity = c.actor.ID
	}
	if role == "" {
		role = c.actor.Role
	}
	if identity != c.actor.ID || role != c.actor.Role {
		return errIdentityMismatch
	}
	if err := s.presence.Identify(ctx, c.handle, identity, role); err != nil {
		return err
	}
	c.identified = true
	return nil
}

func (s *Server) reportLocation(ctx context.Context, c *wsConn, m locationMessage) error {
	if !c.identified {
		return errNotIdentified
	}
	if id := m.identity(); id != "" && id != c.actor.ID {
		return errIdentityMismatch
	}
	loc, err := m.coord()
	if err != nil {
		return err
	}
	if err := s.presence.ReportLocation(ctx, c.actor.ID, loc); err != nil {
		return err
	}
	if s.locations != nil && c.actor.Role == models.RoleCaptain {
		rep := models.LocationReport{CaptainID: c.actor.ID, Loc: *loc, At: time.Now().UTC()}
		if err := s.locations.PublishLocation(ctx, rep); err != nil {
			s.logger.WarnContext(ctx, "location_publish_failed", "captain_id", c.actor.ID, "error", err)
		}
	}
	return nil
}

func (s *Server) reply(handle string, err error) {
	if emitErr := s.hub.Emit(handle, models.EventError, errorEvent{Message: err.Error()}); emitErr != nil {
		s.logger.Debug("ws_error_reply_failed", "handle", handle, "error", emitErr)
	}
}
