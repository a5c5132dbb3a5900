package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/glassbridge/client"
	"github.com/mbocsi/glassbridge/identity"
	"github.com/mbocsi/glassbridge/proto"
	"github.com/mbocsi/glassbridge/session"
)

// ChatClient is what the bridge needs from *client.Client.
type ChatClient interface {
	SendChat(text string) error
	State() client.State
	HasPendingText() bool
	Transcript() *client.Transcript
	Identity() *identity.Identity
	Call(ctx context.Context, method string, params any) (proto.Envelope, error)
}

// StatusSource reports media session counters. *session.Session satisfies
// it.
type StatusSource interface {
	Status() session.Status
}

// ChatBridge exposes a gateway chat connection to MCP clients as tools.
type ChatBridge struct {
	mcpServer *MCPServer
	chat      ChatClient
	media     StatusSource

	// settle is how long the transcript must stay unchanged before a
	// streamed reply counts as finished.
	settle time.Duration
}

type BridgeOptions struct {
	Media  StatusSource  // optional
	Settle time.Duration // default 750ms
}

func NewChatBridge(chat ChatClient, mcpServer *MCPServer, opts BridgeOptions) *ChatBridge {
	if opts.Settle <= 0 {
		opts.Settle = 750 * time.Millisecond
	}
	b := &ChatBridge{
		mcpServer: mcpServer,
		chat:      chat,
		media:     opts.Media,
		settle:    opts.Settle,
	}
	if mcpServer != nil {
		b.registerTools()
	}
	return b
}

func (b *ChatBridge) registerTools() {
	sendChatTool := mcp.NewTool("send_chat",
		mcp.WithDescription("Send a chat message to the agent and optionally wait for its reply"),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Text to send"),
		),
		mcp.WithNumber("wait_seconds",
			mcp.Description("How long to wait for the reply, 0 to return immediately"),
		),
	)
	b.mcpServer.AddTool(sendChatTool, b.handleSendChat)

	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("Get the connection, authentication and media session state"),
		mcp.WithBoolean("include_gateway",
			mcp.Description("Also ask the gateway for its status"),
		),
	)
	b.mcpServer.AddTool(statusTool, b.handleGetStatus)

	transcriptTool := mcp.NewTool("read_transcript",
		mcp.WithDescription("Read the most recent chat messages"),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of messages, newest last"),
		),
	)
	b.mcpServer.AddTool(transcriptTool, b.handleReadTranscript)
}

func (b *ChatBridge) handleSendChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("message is required and must be a string"), nil
	}
	wait := time.Duration(request.GetFloat("wait_seconds", 0) * float64(time.Second))

	transcript := b.chat.Transcript()
	start := transcript.Len()
	if err := b.chat.SendChat(message); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}

	if wait <= 0 {
		if b.chat.HasPendingText() {
			return mcp.NewToolResultText(fmt.Sprintf("Message queued until authenticated (state %s)", b.chat.State())), nil
		}
		return mcp.NewToolResultText("Message sent"), nil
	}

	reply, err := b.waitForReply(ctx, transcript, start+1, wait)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(reply), nil
}

// waitForReply collects assistant text appended at or after index from, and
// returns once it has stopped changing for the settle period.
func (b *ChatBridge) waitForReply(ctx context.Context, transcript *client.Transcript, from int, wait time.Duration) (string, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	settle := time.NewTimer(b.settle)
	defer settle.Stop()

	for {
		changed := transcript.Changed()

		select {
		case <-changed:
			if !settle.Stop() {
				select {
				case <-settle.C:
				default:
				}
			}
			settle.Reset(b.settle)
		case <-settle.C:
			if reply := assistantText(transcript.Messages(), from); reply != "" {
				return reply, nil
			}
			settle.Reset(b.settle)
		case <-deadline.C:
			if reply := assistantText(transcript.Messages(), from); reply != "" {
				return reply, nil
			}
			return "", fmt.Errorf("no reply within %s", wait)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func assistantText(msgs []client.ChatMessage, from int) string {
	if from > len(msgs) {
		return ""
	}
	var parts []string
	for _, m := range msgs[from:] {
		if m.Role == client.RoleAssistant {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type statusResult struct {
	State            string          `json:"state"`
	Connection       string          `json:"connection"`
	Auth             string          `json:"auth"`
	Ready            bool            `json:"ready"`
	DeviceID         string          `json:"device_id"`
	PendingText      bool            `json:"pending_text"`
	TranscriptLength int             `json:"transcript_length"`
	Session          *session.Status `json:"session,omitempty"`
	Gateway          json.RawMessage `json:"gateway,omitempty"`
	GatewayError     string          `json:"gateway_error,omitempty"`
}

func (b *ChatBridge) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := b.chat.State()
	result := statusResult{
		State:            state.String(),
		Connection:       state.Connection().String(),
		Auth:             state.Auth().String(),
		Ready:            state.Ready(),
		DeviceID:         b.chat.Identity().DeviceID(),
		PendingText:      b.chat.HasPendingText(),
		TranscriptLength: b.chat.Transcript().Len(),
	}
	if b.media != nil {
		st := b.media.Status()
		result.Session = &st
	}

	if request.GetBool("include_gateway", false) && state.Ready() {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		res, err := b.chat.Call(callCtx, proto.MethodStatus, nil)
		cancel()
		if err != nil {
			slog.Warn("Gateway status request failed", "error", err)
			result.GatewayError = err.Error()
		} else {
			result.Gateway = res.Payload
		}
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(resultBytes)), nil
}

func (b *ChatBridge) handleReadTranscript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(request.GetFloat("limit", 20))
	msgs := b.chat.Transcript().Messages()
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	resultBytes, err := json.Marshal(map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode transcript: %v", err)), nil
	}
	return mcp.NewToolResultText(string(resultBytes)), nil
}
