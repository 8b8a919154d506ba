package ingress

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/watzon/sellia/internal/gateway"
	"github.com/watzon/sellia/internal/pending"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/registry"
)

// wsUpgradeTimeout bounds how long the public peer waits for the tunnel
// client to accept or reject the upgrade.
const wsUpgradeTimeout = 10 * time.Second

// handleWebSocketUpgrade only acknowledges the public upgrade after the
// tunnel client replies websocket_upgrade_ok, echoing back the selected
// Sec-WebSocket-Protocol.
func (in *Ingress) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request, t *registry.Tunnel) {
	conn, ok := in.Gateway.Connections.Get(t.ClientID)
	if !ok {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	requestID := uuid.New().String()
	exchange := in.Gateway.WebSockets.Register(requestID, t.ID)

	frame, err := protocol.Encode(protocol.TypeWebSocketUpgrade, protocol.WebSocketUpgrade{
		RequestID: requestID,
		TunnelID:  t.ID,
		Path:      r.URL.RequestURI(),
		Headers:   protocol.FromHTTPHeader(r.Header),
	})
	if err != nil || !conn.Send(frame) {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	select {
	case result := <-exchange.Upgraded:
		if !result.OK {
			status := int(result.Status)
			if status == 0 {
				status = http.StatusBadGateway
			}
			http.Error(w, result.Message, status)
			return
		}
		in.completeUpgradeAndRelay(w, r, exchange, conn, result.Headers)
	case <-time.After(wsUpgradeTimeout):
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}
}

func (in *Ingress) completeUpgradeAndRelay(w http.ResponseWriter, r *http.Request, exchange *pending.WSExchange, conn *gateway.Connection, echoHeaders protocol.Header) {
	responseHeader := http.Header{}
	if proto := selectedSubprotocol(echoHeaders, r.Header.Get("Sec-WebSocket-Protocol")); proto != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	ws, err := in.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return
	}
	defer ws.Close()

	done := make(chan struct{})
	go in.relayControlToPublic(ws, exchange, done)
	in.relayPublicToControl(ws, conn, exchange.RequestID)
	<-done
}

// selectedSubprotocol returns the Sec-WebSocket-Protocol value the tunnel
// client echoed; if it echoed none, it returns the first entry of the
// comma-separated list the public peer offered. The echoed value is not
// checked against the offered list.
func selectedSubprotocol(echoed protocol.Header, offered string) string {
	for k, vs := range echoed {
		if strings.EqualFold(k, "Sec-WebSocket-Protocol") && len(vs) > 0 {
			return vs[0]
		}
	}
	if offered == "" {
		return ""
	}
	parts := strings.Split(offered, ",")
	return strings.TrimSpace(parts[0])
}

func (in *Ingress) relayPublicToControl(ws *websocket.Conn, conn *gateway.Connection, requestID string) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			frame, _ := protocol.Encode(protocol.TypeWebSocketClose, protocol.WebSocketClose{RequestID: requestID})
			conn.Send(frame)
			return
		}
		opcode := protocol.OpcodeText
		if msgType == websocket.BinaryMessage {
			opcode = protocol.OpcodeBinary
		}
		frame, err := protocol.Encode(protocol.TypeWebSocketFrame, protocol.WebSocketFrame{
			RequestID: requestID, Opcode: opcode, Payload: data,
		})
		if err != nil {
			continue
		}
		if !conn.Send(frame) {
			return
		}
	}
}

func (in *Ingress) relayControlToPublic(ws *websocket.Conn, exchange *pending.WSExchange, done chan struct{}) {
	defer close(done)
	for {
		select {
		case frame := <-exchange.Inbound:
			msgType := websocket.TextMessage
			if frame.Opcode == protocol.OpcodeBinary {
				msgType = websocket.BinaryMessage
			}
			if err := ws.WriteMessage(msgType, frame.Payload); err != nil {
				return
			}
		case <-exchange.Closed:
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
