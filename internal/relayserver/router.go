package relayserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaypair/pairrelay/internal/pairingstore"
	"github.com/relaypair/pairrelay/internal/registry"
)

// serveConnection attaches conn to the registry, announces it to its
// peers, runs the read loop until the socket closes, then detaches and
// announces the departure. It owns conn's lifecycle end to end.
func (s *Server) serveConnection(ctx context.Context, conn *deviceConn) {
	entry := registry.Entry{
		UserID:      conn.UserID,
		DeviceID:    conn.DeviceID,
		Role:        conn.Role,
		DisplayName: conn.DisplayName,
		Conn:        conn,
	}
	s.registry.Attach(entry)
	s.announcePresence(conn, true)

	if conn.Role == "mobile" {
		s.sendDeviceList(conn)
	}

	s.readLoop(ctx, conn)

	s.registry.Detach(conn.DeviceID, conn)
	s.metrics.RecordDisconnect("closed")
	s.announcePresence(conn, false)
	conn.Close("read_loop_ended")
}

func (s *Server) readLoop(ctx context.Context, conn *deviceConn) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		s.dispatch(conn, data)
	}
}

// announcePresence emits device-online or device-offline to every peer
// currently paired with conn's device, per spec's attach/detach fan-out.
func (s *Server) announcePresence(conn *deviceConn, online bool) {
	peers := s.graph.PeerOf(conn.UserID, conn.DeviceID)
	var frame []byte
	if online {
		frame = mustMarshal(deviceOnlineFrame{Type: "device-online", DeviceID: conn.DeviceID})
	} else {
		frame = mustMarshal(deviceOfflineFrame{Type: "device-offline", DeviceID: conn.DeviceID})
	}
	s.registry.ForEach(peers, func(e registry.Entry) {
		if dc, ok := e.Conn.(*deviceConn); ok {
			dc.Send(frame)
		}
	})
}

// sendDeviceList sends a mobile the set of desktops ever paired under its
// account, with a live online flag from the registry.
func (s *Server) sendDeviceList(conn *deviceConn) {
	desktopIDs := s.graph.DesktopsForUser(conn.UserID)
	entries := make([]deviceListEntry, 0, len(desktopIDs))
	for _, id := range desktopIDs {
		online := false
		name := ""
		if e, ok := s.registry.Get(id); ok {
			online = true
			name = e.DisplayName
		}
		entries = append(entries, deviceListEntry{DeviceID: id, DisplayName: name, Online: online})
	}
	conn.Send(mustMarshal(deviceListFrame{Type: "device-list", Devices: entries}))
}

func (s *Server) sendError(conn *deviceConn, message string) {
	conn.Send(mustMarshal(errorFrame{Type: "error", Message: message}))
}

// dispatch decodes one inbound frame and routes it by type. Malformed
// JSON, unknown types, missing fields, and role/pair violations all
// produce a single error frame back to the sender; the connection stays
// open.
func (s *Server) dispatch(conn *deviceConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(conn, "malformed json")
		return
	}

	s.metrics.RecordFrameForwarded(env.Type, 0)

	switch env.Type {
	case "heartbeat":
		conn.Send(mustMarshal(pongFrame{Type: "pong"}))
	case "register-pairing":
		s.handleRegisterPairing(conn, data)
	case "claim-pairing":
		s.handleClaimPairing(conn, data)
	case "revoke-pairing":
		s.handleRevokePairing(conn, data)
	case "relay":
		s.handleRelay(conn, data)
	case "control-request":
		s.handleControlRequest(conn, data)
	case "control-ack":
		s.handleControlAck(conn, data)
	case "control-revoked":
		s.handleControlRevoked(conn, data)
	default:
		s.sendError(conn, "unknown frame type")
	}
}

func (s *Server) handleRegisterPairing(conn *deviceConn, data []byte) {
	if conn.Role != "desktop" {
		s.sendError(conn, "register-pairing requires role=desktop")
		return
	}
	var f registerPairingFrame
	if err := json.Unmarshal(data, &f); err != nil || f.PairingCode == "" || f.PublicKey == "" {
		s.sendError(conn, "invalid register-pairing frame")
		return
	}

	s.offers.Register(pairingstore.Offer{
		Code:               f.PairingCode,
		UserID:             conn.UserID,
		DesktopDeviceID:    conn.DeviceID,
		DesktopPublicKey:   f.PublicKey,
		DesktopDisplayName: f.DeviceName,
		CreatedAt:          time.Now(),
	})
	s.metrics.RecordPairingRegistered()
}

func (s *Server) handleClaimPairing(conn *deviceConn, data []byte) {
	if conn.Role != "mobile" {
		s.sendError(conn, "claim-pairing requires role=mobile")
		return
	}
	var f claimPairingFrame
	if err := json.Unmarshal(data, &f); err != nil || f.PairingCode == "" || f.PublicKey == "" {
		s.sendError(conn, "invalid claim-pairing frame")
		return
	}

	peeked, ok := s.offers.Peek(f.PairingCode, time.Now())
	if !ok {
		s.sendError(conn, "pairing code expired or unknown")
		return
	}
	if peeked.UserID != conn.UserID {
		// Wrong account: leave the offer in place so a later claim by the
		// right account against the same code still succeeds.
		s.sendError(conn, "pairing code expired or unknown")
		return
	}

	offer, ok := s.offers.Consume(f.PairingCode, time.Now())
	if !ok {
		s.sendError(conn, "pairing code expired or unknown")
		return
	}

	s.graph.Link(conn.UserID, offer.DesktopDeviceID, conn.DeviceID)
	s.metrics.RecordPairingConsumed()

	if desktop, ok := s.registry.Get(offer.DesktopDeviceID); ok {
		if dc, ok := desktop.Conn.(*deviceConn); ok {
			dc.Send(mustMarshal(pairingAcceptedFrame{
				Type:       "pairing-accepted",
				PublicKey:  f.PublicKey,
				DeviceID:   conn.DeviceID,
				DeviceName: conn.DisplayName,
			}))
		}
	}
	conn.Send(mustMarshal(pairingAcceptedFrame{
		Type:       "pairing-accepted",
		PublicKey:  offer.DesktopPublicKey,
		DeviceID:   offer.DesktopDeviceID,
		DeviceName: offer.DesktopDisplayName,
	}))
}

func (s *Server) handleRevokePairing(conn *deviceConn, data []byte) {
	var f revokePairingFrame
	if err := json.Unmarshal(data, &f); err != nil || f.TargetDeviceID == "" {
		s.sendError(conn, "invalid revoke-pairing frame")
		return
	}
	if !s.graph.AreLinked(conn.DeviceID, f.TargetDeviceID) {
		s.sendError(conn, "not paired with target")
		return
	}
	s.graph.Unlink(conn.DeviceID, f.TargetDeviceID)
	s.metrics.RecordPairingRevoked()

	if target, ok := s.registry.Get(f.TargetDeviceID); ok {
		if dc, ok := target.Conn.(*deviceConn); ok {
			dc.Send(mustMarshal(pairingRevokedFrame{Type: "pairing-revoked", DeviceID: conn.DeviceID}))
		}
	}
}

func (s *Server) handleRelay(conn *deviceConn, data []byte) {
	var f relayFrame
	if err := json.Unmarshal(data, &f); err != nil || f.To == "" || f.Payload == "" {
		s.sendError(conn, "invalid relay frame")
		return
	}
	if !s.graph.AreLinked(conn.DeviceID, f.To) {
		s.sendError(conn, "not paired with target")
		return
	}
	target, ok := s.registry.Get(f.To)
	if !ok {
		s.metrics.RecordFrameDropped("target_offline")
		s.sendError(conn, "target offline")
		return
	}
	dc, ok := target.Conn.(*deviceConn)
	if !ok {
		s.sendError(conn, "target offline")
		return
	}
	dc.Send(mustMarshal(relayFrame{
		Type:    "relay",
		To:      f.To,
		From:    conn.DeviceID,
		Payload: f.Payload,
		Seq:     f.Seq,
	}))
}

func (s *Server) handleControlRequest(conn *deviceConn, data []byte) {
	if conn.Role != "mobile" {
		s.sendError(conn, "control-request requires role=mobile")
		return
	}
	var f controlRequestFrame
	if err := json.Unmarshal(data, &f); err != nil || f.TargetDesktopID == "" {
		s.sendError(conn, "invalid control-request frame")
		return
	}
	if !s.graph.AreLinked(conn.DeviceID, f.TargetDesktopID) {
		s.sendError(conn, "not paired with target")
		return
	}
	target, ok := s.registry.Get(f.TargetDesktopID)
	if !ok {
		s.sendError(conn, "target offline")
		return
	}
	if dc, ok := target.Conn.(*deviceConn); ok {
		dc.Send(mustMarshal(controlRequestFrame{
			Type:       "control-request",
			From:       conn.DeviceID,
			DeviceName: conn.DisplayName,
		}))
	}
}

func (s *Server) handleControlAck(conn *deviceConn, data []byte) {
	var f controlAckFrame
	if err := json.Unmarshal(data, &f); err != nil || f.To == "" {
		s.sendError(conn, "invalid control-ack frame")
		return
	}
	target, ok := s.registry.Get(f.To)
	if !ok {
		s.sendError(conn, "target offline")
		return
	}
	if dc, ok := target.Conn.(*deviceConn); ok {
		dc.Send(mustMarshal(controlAckFrame{
			Type:     "control-ack",
			From:     conn.DeviceID,
			Accepted: f.Accepted,
		}))
	}
}

func (s *Server) handleControlRevoked(conn *deviceConn, data []byte) {
	var f controlRevokedFrame
	if err := json.Unmarshal(data, &f); err != nil || f.To == "" {
		s.sendError(conn, "invalid control-revoked frame")
		return
	}
	target, ok := s.registry.Get(f.To)
	if !ok {
		s.sendError(conn, "target offline")
		return
	}
	if dc, ok := target.Conn.(*deviceConn); ok {
		dc.Send(mustMarshal(controlRevokedFrame{Type: "control-revoked", From: conn.DeviceID}))
	}
}
