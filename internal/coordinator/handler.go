package coordinator

import (
	"context"
	"time"

	"github.com/v0xg/demopilot/internal/protocol"
	"go.uber.org/zap"
)

// tabHandler routes messages arriving from one tab's page context
type tabHandler struct {
	c     *Coordinator
	tabID int
	ep    *protocol.Endpoint
}

func (h tabHandler) Handle(ctx context.Context, msg protocol.Message) (protocol.Payload, error) {
	c := h.c
	switch p := msg.Payload.(type) {
	case protocol.ContentScriptReady:
		c.pageReady(h.tabID, p.URL)
	case protocol.NavigationDetected:
		c.navigated(h.tabID, p.FromURL, p.ToURL)
	case protocol.StepProgressUpdate:
		c.UpdateProgress(p.SequenceID, p.CompletedStepIndex)
	case protocol.SequenceComplete:
		c.HandleAutomationComplete(p.SequenceID)
	case protocol.SequenceError:
		c.HandleAutomationError(p.Error, p.Step)
	case protocol.AutomationStateRequest:
		tabID := p.TabID
		if tabID == 0 {
			tabID = h.tabID
		}
		state := c.AutomationState(tabID)
		if tabID == h.tabID {
			c.continueFrom(ctx, tabID, "", h.ep)
		}
		return state, nil
	case protocol.InitSession:
		return c.InitializeSession(ctx, p.Objective), nil
	case protocol.RequestNextStep:
		return c.RequestNextStep(ctx, p), nil
	case protocol.Ping:
		return protocol.Pong{Timestamp: time.Now()}, nil
	default:
		c.logger.Debug("Ignoring message from page", zap.Int("tab", h.tabID), zap.String("type", string(msg.Type())))
	}
	return nil, nil
}
