package room

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/webcall/coordination/internal/bus"
	"github.com/webcall/coordination/internal/types"
	"github.com/webcall/coordination/internal/wire"
)

var validSignalTypes = map[string]bool{
	"offer":         true,
	"answer":        true,
	"ice-candidate": true,
}

// readPump is the connection's single read loop: every join/leave/chat/
// signal/agent_summary/ping frame is dispatched from here, so presence
// and display-name mutation never races across goroutines of the same
// connection.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wire.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "ping":
			c.enqueue(map[string]string{"type": "pong"})
		case "join":
			c.handleJoin(ctx, frame.Payload)
		case "leave":
			c.closeWithCode(1000)
			return
		case "chat":
			c.handleChat(ctx, frame.Payload)
		case "signal":
			c.handleSignal(ctx, frame.Payload)
		case "agent_summary":
			c.handleAgentSummary(ctx)
		}
	}
}

func (c *Client) handleJoin(ctx context.Context, raw json.RawMessage) {
	payload, err := wire.DecodePayload[wire.JoinPayload](raw)
	if err != nil {
		c.sendError("invalid join payload")
		return
	}

	fromUserID := payload.FromUserID
	if fromUserID == "" {
		fromUserID = c.userID
	}
	displayName := payload.Username
	if displayName == "" {
		displayName = c.tokenDisplay
	}
	if displayName == "" {
		displayName = fromUserID
	}

	isAgent := c.queryAgent
	var connID types.ConnID
	if isAgent {
		connID = types.ConnID(types.AgentConnID(c.roomUUID, fromUserID).String())
	} else {
		connID = types.ConnID(uuid.NewString())
	}

	if !c.room.join(c, connID, displayName, isAgent, fromUserID) {
		c.sendError("already joined")
		return
	}

	c.mu.Lock()
	c.joined = true
	c.connID = connID
	c.displayName = displayName
	c.isAgent = isAgent
	c.mu.Unlock()

	_ = c.hub.bus.UpdatePresence(ctx, c.roomID, fromUserID, true)

	if isAgent && fromUserID != "" && c.hub.orchestrator != nil {
		c.hub.orchestrator.StartUserWindow(c.roomID, fromUserID)
	}

	if !types.IsEphemeralRoom(c.rawRoom) && c.hub.visits != nil && fromUserID != "" {
		c.hub.visits.RecordVisit(ctx, c.roomID, fromUserID)
	}

	c.broadcastPresence()
}

func (c *Client) handleChat(ctx context.Context, raw json.RawMessage) {
	payload, err := wire.DecodePayload[wire.ChatPayload](raw)
	if err != nil {
		c.sendError("invalid chat payload")
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		return
	}

	fromUserID := payload.FromUserID
	if fromUserID == "" {
		fromUserID = c.userID
	}

	connID, joined := c.currentConnID()
	authorName := c.tokenDisplay
	if joined {
		if name := c.room.displayNameFor(connID); name != "" {
			authorName = name
		}
	}

	if c.hub.orchestrator != nil {
		c.hub.orchestrator.AddChat(c.roomID, fromUserID, authorName, content)
	} else if c.hub.log != nil {
		c.hub.log.Add(c.roomID, fromUserID, authorName, content, nowMs())
	}

	_ = c.hub.bus.PublishChat(ctx, c.roomID, bus.ChatEvent{
		RoomID:     c.roomID,
		FromUserID: fromUserID,
		AuthorName: authorName,
		Content:    content,
		SentAt:     nowMs(),
	})
}

func (c *Client) handleSignal(ctx context.Context, raw json.RawMessage) {
	payload, err := wire.DecodePayload[wire.SignalPayload](raw)
	if err != nil {
		c.sendError("invalid signal payload")
		return
	}

	normType := wire.NormalizeSignalType(payload.SignalType)
	if !validSignalTypes[normType] {
		c.sendError("unknown signalType")
		return
	}

	fromUserID := payload.FromUserID
	if fromUserID == "" {
		fromUserID = c.userID
	}

	_ = c.hub.bus.PublishSignal(ctx, c.roomID, bus.Signal{
		Type:         normType,
		SenderID:     fromUserID,
		TargetUserID: payload.TargetUserID,
		SDP:          payload.SDP,
		Candidate:    payload.Candidate,
		RoomID:       c.roomID,
		SentAt:       nowMs(),
	})
}

type agentSummaryAckFrame struct {
	Type string `json:"type"`
	wire.AgentSummaryAckPayload
}

func (c *Client) handleAgentSummary(ctx context.Context) {
	if c.hub.orchestrator == nil || c.userID == "" {
		c.enqueue(agentSummaryAckFrame{Type: "agent_summary_ack", AgentSummaryAckPayload: wire.AgentSummaryAckPayload{Status: "error"}})
		return
	}

	result := c.hub.orchestrator.BuildPersonalSummary(ctx, c.roomID, c.userID)

	status := "empty"
	if result.MessageCount > 0 || result.UsedVoice {
		status = "done"
	}
	source := "chat"
	if result.UsedVoice {
		source = "voice"
	}

	c.enqueue(agentSummaryAckFrame{
		Type: "agent_summary_ack",
		AgentSummaryAckPayload: wire.AgentSummaryAckPayload{
			Status:    status,
			Source:    source,
			Finalized: true,
		},
	})
}
