package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	calendar "google.golang.org/api/calendar/v3"
	docs "google.golang.org/api/docs/v1"
	drive "google.golang.org/api/drive/v3"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/sylvie/workspace-broker/internal/broker"
	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/logging"
)

const defaultListLimit = 10

// Tools is the MCP tool surface. Every tool declares the capabilities
// it needs and runs as a brokered operation, so scope checks, token
// refresh, handle caching, and the auth-expiry retry all happen in the
// broker rather than in handlers.
type Tools struct {
	broker *broker.Broker
	logger *slog.Logger
}

// NewTools builds the tool surface over a broker.
func NewTools(b *broker.Broker, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{broker: b, logger: logger}
}

// Register adds all Workspace tools to the MCP server.
func (t *Tools) Register(s *mcpserver.MCPServer, readOnly bool) {
	t.registerGmailTools(s, readOnly)
	t.registerCalendarTools(s)
	t.registerDriveTools(s)
	t.registerDocsTools(s)
}

type contextKey string

const userContextKey contextKey = "broker-user"

// ContextWithUser stamps the broker user onto a request context. The
// HTTP transport sets it per request; stdio never does.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// userFor resolves the broker user for a request. HTTP requests carry
// the session's user in the context; stdio always runs as DefaultUser.
func (t *Tools) userFor(ctx context.Context) string {
	if user, ok := ctx.Value(userContextKey).(string); ok && user != "" {
		return user
	}
	return DefaultUser
}

// accountFromArgs extracts the account selector, defaulting to the
// user's default account.
func accountFromArgs(args map[string]interface{}) string {
	if v, ok := args["account"].(string); ok && v != "" {
		return v
	}
	return "default"
}

func (t *Tools) registerGmailTools(s *mcpserver.MCPServer, readOnly bool) {
	searchTool := mcp.NewTool("gmail_search",
		mcp.WithDescription("Search Gmail messages using Gmail query syntax"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Gmail search query (e.g., 'from:alice is:unread')"),
		),
		mcp.WithString("account",
			mcp.Description("Linked account to use: 'default', an email, or an account ID"),
		),
		mcp.WithNumber("maxResults",
			mcp.Description("Maximum number of messages to return (default: 10)"),
		),
	)

	s.AddTool(searchTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return t.handleGmailSearch(ctx, request)
	})

	if readOnly {
		return
	}

	sendTool := mcp.NewTool("gmail_send",
		mcp.WithDescription("Send an email from the linked Gmail account"),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Recipient email address"),
		),
		mcp.WithString("subject",
			mcp.Required(),
			mcp.Description("Email subject"),
		),
		mcp.WithString("body",
			mcp.Required(),
			mcp.Description("Plain text email body"),
		),
		mcp.WithString("account",
			mcp.Description("Linked account to use: 'default', an email, or an account ID"),
		),
	)

	s.AddTool(sendTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return t.handleGmailSend(ctx, request)
	})
}

func (t *Tools) registerCalendarTools(s *mcpserver.MCPServer) {
	listTool := mcp.NewTool("calendar_list_events",
		mcp.WithDescription("List calendar events within a time range"),
		mcp.WithString("timeMin",
			mcp.Required(),
			mcp.Description("Start of the range (RFC3339, e.g., '2026-01-01T00:00:00Z')"),
		),
		mcp.WithString("timeMax",
			mcp.Required(),
			mcp.Description("End of the range (RFC3339)"),
		),
		mcp.WithString("calendarId",
			mcp.Description("Calendar ID (default: 'primary')"),
		),
		mcp.WithString("account",
			mcp.Description("Linked account to use: 'default', an email, or an account ID"),
		),
	)

	s.AddTool(listTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return t.handleCalendarListEvents(ctx, request)
	})
}

func (t *Tools) registerDriveTools(s *mcpserver.MCPServer) {
	searchTool := mcp.NewTool("drive_search",
		mcp.WithDescription("Search Google Drive files"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Drive query (e.g., \"name contains 'report'\")"),
		),
		mcp.WithString("account",
			mcp.Description("Linked account to use: 'default', an email, or an account ID"),
		),
		mcp.WithNumber("maxResults",
			mcp.Description("Maximum number of files to return (default: 10)"),
		),
	)

	s.AddTool(searchTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return t.handleDriveSearch(ctx, request)
	})
}

func (t *Tools) registerDocsTools(s *mcpserver.MCPServer) {
	getTool := mcp.NewTool("docs_get",
		mcp.WithDescription("Read the text content of a Google Doc"),
		mcp.WithString("documentId",
			mcp.Required(),
			mcp.Description("The ID of the document to read"),
		),
		mcp.WithString("account",
			mcp.Description("Linked account to use: 'default', an email, or an account ID"),
		),
	)

	s.AddTool(getTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return t.handleDocsGet(ctx, request)
	})
}

func (t *Tools) handleGmailSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	maxResults := int64(defaultListLimit)
	if v, ok := args["maxResults"].(float64); ok && v > 0 {
		maxResults = int64(v)
	}

	user := t.userFor(ctx)
	account := accountFromArgs(args)

	result, err := t.broker.Invoke(ctx, user, account,
		[]capability.Capability{capability.GmailRead},
		func(ctx context.Context, handle any) (any, error) {
			svc, ok := handle.(*gmail.Service)
			if !ok {
				return nil, fmt.Errorf("unexpected handle type %T", handle)
			}

			resp, err := svc.Users.Messages.List("me").Q(query).MaxResults(maxResults).Context(ctx).Do()
			if err != nil {
				return nil, err
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d message(s):\n", len(resp.Messages))
			for _, ref := range resp.Messages {
				msg, err := svc.Users.Messages.Get("me", ref.Id).
					Format("metadata").
					MetadataHeaders("From", "Subject").
					Context(ctx).Do()
				if err != nil {
					return nil, err
				}
				fmt.Fprintf(&sb, "- [%s] %s | %s\n", msg.Id, headerValue(msg, "From"), headerValue(msg, "Subject"))
			}
			return sb.String(), nil
		})
	if err != nil {
		return t.toolError("gmail_search", user, err), nil
	}
	return mcp.NewToolResultText(result.(string)), nil
}

func (t *Tools) handleGmailSend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	if to == "" || subject == "" || body == "" {
		return mcp.NewToolResultError("to, subject, and body are required"), nil
	}

	user := t.userFor(ctx)
	account := accountFromArgs(args)

	result, err := t.broker.Invoke(ctx, user, account,
		[]capability.Capability{capability.GmailSend},
		func(ctx context.Context, handle any) (any, error) {
			svc, ok := handle.(*gmail.Service)
			if !ok {
				return nil, fmt.Errorf("unexpected handle type %T", handle)
			}

			raw := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s", to, subject, body)
			msg := &gmail.Message{
				Raw: base64.URLEncoding.EncodeToString([]byte(raw)),
			}
			sent, err := svc.Users.Messages.Send("me", msg).Context(ctx).Do()
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Message sent (id: %s)", sent.Id), nil
		})
	if err != nil {
		return t.toolError("gmail_send", user, err), nil
	}
	return mcp.NewToolResultText(result.(string)), nil
}

func (t *Tools) handleCalendarListEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	timeMin, _ := args["timeMin"].(string)
	timeMax, _ := args["timeMax"].(string)
	if timeMin == "" || timeMax == "" {
		return mcp.NewToolResultError("timeMin and timeMax are required"), nil
	}
	calendarID := "primary"
	if v, ok := args["calendarId"].(string); ok && v != "" {
		calendarID = v
	}

	user := t.userFor(ctx)
	account := accountFromArgs(args)

	result, err := t.broker.Invoke(ctx, user, account,
		[]capability.Capability{capability.CalendarRead},
		func(ctx context.Context, handle any) (any, error) {
			svc, ok := handle.(*calendar.Service)
			if !ok {
				return nil, fmt.Errorf("unexpected handle type %T", handle)
			}

			resp, err := svc.Events.List(calendarID).
				TimeMin(timeMin).
				TimeMax(timeMax).
				SingleEvents(true).
				OrderBy("startTime").
				Context(ctx).Do()
			if err != nil {
				return nil, err
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d event(s):\n", len(resp.Items))
			for _, event := range resp.Items {
				start := event.Start.DateTime
				if start == "" {
					start = event.Start.Date
				}
				fmt.Fprintf(&sb, "- %s: %s\n", start, event.Summary)
			}
			return sb.String(), nil
		})
	if err != nil {
		return t.toolError("calendar_list_events", user, err), nil
	}
	return mcp.NewToolResultText(result.(string)), nil
}

func (t *Tools) handleDriveSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	maxResults := int64(defaultListLimit)
	if v, ok := args["maxResults"].(float64); ok && v > 0 {
		maxResults = int64(v)
	}

	user := t.userFor(ctx)
	account := accountFromArgs(args)

	result, err := t.broker.Invoke(ctx, user, account,
		[]capability.Capability{capability.DriveRead},
		func(ctx context.Context, handle any) (any, error) {
			svc, ok := handle.(*drive.Service)
			if !ok {
				return nil, fmt.Errorf("unexpected handle type %T", handle)
			}

			resp, err := svc.Files.List().
				Q(query).
				PageSize(maxResults).
				Fields("files(id, name, mimeType, modifiedTime)").
				Context(ctx).Do()
			if err != nil {
				return nil, err
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d file(s):\n", len(resp.Files))
			for _, f := range resp.Files {
				fmt.Fprintf(&sb, "- [%s] %s (%s, modified %s)\n", f.Id, f.Name, f.MimeType, f.ModifiedTime)
			}
			return sb.String(), nil
		})
	if err != nil {
		return t.toolError("drive_search", user, err), nil
	}
	return mcp.NewToolResultText(result.(string)), nil
}

func (t *Tools) handleDocsGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	documentID, ok := args["documentId"].(string)
	if !ok || documentID == "" {
		return mcp.NewToolResultError("documentId is required"), nil
	}

	user := t.userFor(ctx)
	account := accountFromArgs(args)

	result, err := t.broker.Invoke(ctx, user, account,
		[]capability.Capability{capability.DocsRead},
		func(ctx context.Context, handle any) (any, error) {
			svc, ok := handle.(*docs.Service)
			if !ok {
				return nil, fmt.Errorf("unexpected handle type %T", handle)
			}

			doc, err := svc.Documents.Get(documentID).Context(ctx).Do()
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%s\n\n%s", doc.Title, documentText(doc)), nil
		})
	if err != nil {
		return t.toolError("docs_get", user, err), nil
	}
	return mcp.NewToolResultText(result.(string)), nil
}

// toolError logs a failed invocation and converts it into a tool result
// the client can read. The broker error kind tells the caller whether
// re-consent, re-linking, or a retry is the fix.
func (t *Tools) toolError(tool, user string, err error) *mcp.CallToolResult {
	kind, _ := broker.KindOf(err)
	t.logger.Error("tool invocation failed",
		logging.Operation(tool),
		logging.UserHash(user),
		slog.String("kind", string(kind)),
		logging.Err(err),
	)
	// A classified error already prints as "kind: cause".
	return mcp.NewToolResultError(err.Error())
}

func headerValue(msg *gmail.Message, name string) string {
	if msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// documentText flattens a document body into plain text.
func documentText(doc *docs.Document) string {
	if doc.Body == nil {
		return ""
	}
	var sb strings.Builder
	for _, elem := range doc.Body.Content {
		if elem.Paragraph == nil {
			continue
		}
		for _, pe := range elem.Paragraph.Elements {
			if pe.TextRun != nil {
				sb.WriteString(pe.TextRun.Content)
			}
		}
	}
	return sb.String()
}
