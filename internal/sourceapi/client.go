// Package sourceapi is a thin wrapper over the source platform's
// gateway and REST API: connection and intents, dispatch of
// message-create/update/delete events, message fetch/pagination, and
// webhook CRUD for relayed-channel sends.
package sourceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Client wraps a discordgo session with the handler set and REST
// helpers the relay engine needs. It does not itself know about
// channel links or the store — callers wire events to the relay
// engine.
type Client struct {
	session *discordgo.Session
	http    *http.Client
	log     *slog.Logger
}

// New creates a Client authenticated with a bot token. It does not
// open the gateway connection; call Open for that.
func New(token string) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create source session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildWebhooks

	return &Client{
		session: session,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     slog.With("component", "sourceapi"),
	}, nil
}

// Open establishes the gateway connection.
func (c *Client) Open() error {
	return c.session.Open()
}

// Close tears down the gateway connection.
func (c *Client) Close() error {
	return c.session.Close()
}

// BotUserID returns the bot's own user id, valid once the session is
// open and Ready has fired.
func (c *Client) BotUserID() string {
	if c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.ID
}

// Message mirrors the subset of a source message the relay engine
// cares about.
type Message struct {
	ID              string
	ChannelID       string
	GuildID         string
	AuthorID        string
	AuthorName      string
	AuthorAvatarURL string
	AuthorBot       bool
	Content         string
	Timestamp       time.Time
	EditedTimestamp *time.Time
	ReplyToID       string
	Attachments     []Attachment
	Embeds          []Embed
	IsSystem        bool
	IsWebhook       bool
}

// Attachment is a single source-message attachment reference.
type Attachment struct {
	URL      string
	Filename string
	Size     int
}

// Embed is the subset of a source-message embed the archive/relay
// paths care about.
type Embed struct {
	Type        string
	Title       string
	Description string
	URL         string
	Colour      int
	IconURL     string
}

func convertMessage(m *discordgo.Message) Message {
	out := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		IsWebhook: m.WebhookID != "",
		IsSystem:  m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
		out.AuthorBot = m.Author.Bot
		out.AuthorAvatarURL = m.Author.AvatarURL("256")
	}
	out.Timestamp = m.Timestamp
	if m.EditedTimestamp != nil {
		out.EditedTimestamp = m.EditedTimestamp
	}
	if m.MessageReference != nil {
		out.ReplyToID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, Attachment{URL: a.URL, Filename: a.Filename, Size: a.Size})
	}
	for _, em := range m.Embeds {
		converted := Embed{Type: string(em.Type), Title: em.Title, Description: em.Description, URL: em.URL, Colour: em.Color}
		if em.Thumbnail != nil {
			converted.IconURL = em.Thumbnail.URL
		}
		out.Embeds = append(out.Embeds, converted)
	}
	return out
}

// Handlers groups the callbacks the relay engine registers for
// inbound gateway events. A nil field means "not interested".
type Handlers struct {
	OnMessageCreate func(Message)
	OnMessageUpdate func(Message)
	OnMessageDelete func(channelID, messageID string)
}

// RegisterHandlers wires the gateway's event dispatch to the given
// callbacks. Each discordgo callback is invoked on its own goroutine
// by the session's event loop, so a slow or panicking handler here
// cannot block other source events — discordgo recovers handler
// panics internally.
func (c *Client) RegisterHandlers(h Handlers) {
	if h.OnMessageCreate != nil {
		c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			h.OnMessageCreate(convertMessage(m.Message))
		})
	}
	if h.OnMessageUpdate != nil {
		c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			h.OnMessageUpdate(convertMessage(m.Message))
		})
	}
	if h.OnMessageDelete != nil {
		c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			h.OnMessageDelete(m.ChannelID, m.ID)
		})
	}
}

// FetchMessage retrieves a single message by id. A 404 is reported as
// (Message{}, false, nil) rather than an error, per the read-path
// NotFound convention.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (Message, bool, error) {
	m, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("fetch message: %w", err)
	}
	return convertMessage(m), true, nil
}

// PageMessages returns up to 100 messages from channelID older than
// before (or the most recent 100 if before is empty), in the
// platform's native newest-first order.
func (c *Client) PageMessages(ctx context.Context, channelID, before string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	raw, err := c.session.ChannelMessages(channelID, limit, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, convertMessage(m))
	}
	return out, nil
}

// MessagesAfter returns messages newer than afterID, capped at 100,
// used by outage recovery to fetch the gap since last_bridged_source_id.
func (c *Client) MessagesAfter(ctx context.Context, channelID, afterID string) ([]Message, error) {
	raw, err := c.session.ChannelMessages(channelID, 100, "", afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("messages after: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		out = append(out, convertMessage(m))
	}
	return out, nil
}

func isNotFound(err error) bool {
	var rerr *discordgo.RESTError
	if ok := asRESTError(err, &rerr); ok {
		return rerr.Response != nil && rerr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

func asRESTError(err error, target **discordgo.RESTError) bool {
	rerr, ok := err.(*discordgo.RESTError)
	if !ok {
		return false
	}
	*target = rerr
	return true
}

// EnsureWebhook finds or creates the bridge's webhook on channelID,
// returning its id and token. Each bridged source channel has at most
// one bridge-owned webhook, named "bridge".
func (c *Client) EnsureWebhook(ctx context.Context, channelID string) (id, token string, err error) {
	hooks, err := c.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("list webhooks: %w", err)
	}
	for _, h := range hooks {
		if h.Name == "bridge" && h.Token != "" {
			return h.ID, h.Token, nil
		}
	}
	created, err := c.session.WebhookCreate(channelID, "bridge", "", discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("create webhook: %w", err)
	}
	return created.ID, created.Token, nil
}

// WebhookSend posts content as name/avatarURL through webhookID/token,
// optionally attaching files, and returns the created message id
// (wait=true is required to get it back).
func (c *Client) WebhookSend(ctx context.Context, webhookID, webhookToken, name, avatarURL, content string, files []WebhookFile) (string, error) {
	endpoint := fmt.Sprintf("https://discord.com/api/v10/webhooks/%s/%s?wait=true", webhookID, webhookToken)

	var body bytes.Buffer
	var contentType string

	if len(files) == 0 {
		contentType = "application/json"
		fmt.Fprintf(&body, `{"content":%q,"username":%q,"avatar_url":%q}`, content, name, avatarURL)
	} else {
		mw := multipart.NewWriter(&body)
		payload := fmt.Sprintf(`{"content":%q,"username":%q,"avatar_url":%q}`, content, name, avatarURL)
		if err := mw.WriteField("payload_json", payload); err != nil {
			return "", fmt.Errorf("write payload_json: %w", err)
		}
		for i, f := range files {
			part, err := mw.CreateFormFile(fmt.Sprintf("files[%d]", i), f.Name)
			if err != nil {
				return "", fmt.Errorf("create form file: %w", err)
			}
			if _, err := part.Write(f.Data); err != nil {
				return "", fmt.Errorf("write file data: %w", err)
			}
		}
		if err := mw.Close(); err != nil {
			return "", fmt.Errorf("close multipart writer: %w", err)
		}
		contentType = mw.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook send: status %d", resp.StatusCode)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp.Body, &decoded); err != nil {
		return "", err
	}
	return decoded.ID, nil
}

// WebhookFile is a single file attached to a webhook send.
type WebhookFile struct {
	Name string
	Data []byte
}

// WebhookEdit patches a previously-sent webhook message's content.
func (c *Client) WebhookEdit(ctx context.Context, webhookID, webhookToken, messageID, content string) error {
	endpoint := fmt.Sprintf("https://discord.com/api/v10/webhooks/%s/%s/messages/%s", webhookID, webhookToken, messageID)
	body := fmt.Sprintf(`{"content":%q}`, content)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytesReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook edit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook edit: status %d", resp.StatusCode)
	}
	return nil
}

// WebhookDelete deletes a previously-sent webhook message. A 404 is
// treated as success (already gone).
func (c *Client) WebhookDelete(ctx context.Context, webhookID, webhookToken, messageID string) error {
	endpoint := fmt.Sprintf("https://discord.com/api/v10/webhooks/%s/%s/messages/%s", webhookID, webhookToken, messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("webhook delete: status %d", resp.StatusCode)
	}
	return nil
}

func bytesReader(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
