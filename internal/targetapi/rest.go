// Package targetapi is the REST + WebSocket client for the
// Revolt/Stoat-shaped target platform: rate-limit buckets, the gateway
// session (ping/pong liveness, reconnect, subscription), the REST
// polling fallback, cross-path event dedup, and the file upload
// sidecar (spec §4.3).
package targetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/tribixbite/stoatcord-bridge/internal/apierr"
)

// RESTClient is the target platform's REST client. One instance is
// shared by every caller (relay engine, migration, archive, push); the
// rate-limit buckets it enforces are therefore global, not per-caller,
// matching spec §5 ("callers MUST NOT bypass it").
type RESTClient struct {
	baseURL string
	cdnURL  string
	token   string
	http    *http.Client
	limiter *limiter
	log     *slog.Logger
}

// NewRESTClient builds a REST client against baseURL (the versioned
// API root, e.g. https://api.stoat.chat/0.8) and cdnURL (the file
// upload sidecar's host, "autumn" in spec terms).
func NewRESTClient(baseURL, cdnURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		cdnURL:  cdnURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: newLimiter(),
		log:     slog.With("component", "targetapi"),
	}
}

// do issues an HTTP request against path (relative to baseURL),
// honouring the rate-limit bucket for that path and, on every 429,
// retrying after the header-specified delay. body, if non-nil, is marshaled
// as JSON. A 204 response yields a nil body read with no error.
func (c *RESTClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	return c.doRaw(ctx, method, path, body, out, "application/json")
}

func (c *RESTClient) doRaw(ctx context.Context, method, path string, body interface{}, out interface{}, contentType string) error {
	c.limiter.awaitTurn(path)

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apierr.New(apierr.Transport, method+" "+path, 0, "", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("x-bot-token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.New(apierr.Transport, method+" "+path, 0, "", err)
	}
	defer resp.Body.Close()

	c.limiter.observe(path, resp.Header.Get("x-ratelimit-remaining"), resp.Header.Get("x-ratelimit-reset-after"))

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("retry-after"))
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
		return c.doRaw(ctx, method, path, body, out, contentType)
	}

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		return apierr.New(apierr.FromStatus(resp.StatusCode), method+" "+path, resp.StatusCode, string(respBody), nil)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response %s %s: %w", method, path, err)
	}
	return nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return time.Second
	}
	if secs, err := strconv.ParseFloat(h, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Second
}

// ---- users --------------------------------------------------------------

type User struct {
	ID          string `json:"_id"`
	Username    string `json:"username"`
	Discrim     string `json:"discriminator"`
	DisplayName string `json:"display_name,omitempty"`
	Bot         *struct {
		Owner string `json:"owner"`
	} `json:"bot,omitempty"`
	Avatar *File `json:"avatar,omitempty"`
}

type File struct {
	ID          string `json:"_id"`
	ContentType string `json:"content_type"`
}

func (u User) AvatarURL(cdnURL string) string {
	if u.Avatar == nil {
		return ""
	}
	return cdnURL + "/avatars/" + u.Avatar.ID
}

func (c *RESTClient) Me(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u)
	return u, err
}

// GetUser fetches a user by id. A 404 is reported as (User{}, false,
// nil) per the read-path NotFound convention (spec §7).
func (c *RESTClient) GetUser(ctx context.Context, id string) (User, bool, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/users/"+id, nil, &u)
	if apierr.IsKind(err, apierr.NotFound) {
		return User{}, false, nil
	}
	return u, err == nil, err
}

// ---- servers --------------------------------------------------------------

type Role struct {
	Name        string `json:"name"`
	Colour      string `json:"colour,omitempty"`
	Hoist       bool   `json:"hoist,omitempty"`
	Rank        int    `json:"rank"`
	Permissions struct {
		A int64 `json:"a"`
		D int64 `json:"d"`
	} `json:"permissions"`
}

type Category struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	ChannelID []string `json:"channels"`
}

type SystemMessages struct {
	UserJoined string `json:"user_joined,omitempty"`
}

type Server struct {
	ID             string           `json:"_id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Owner          string           `json:"owner"`
	Channels       []string         `json:"channels"`
	Categories     []Category       `json:"categories,omitempty"`
	Roles          map[string]Role  `json:"roles,omitempty"`
	SystemMessages SystemMessages   `json:"system_messages,omitempty"`
	Icon           *File            `json:"icon,omitempty"`
	Banner         *File            `json:"banner,omitempty"`
}

func (c *RESTClient) GetServer(ctx context.Context, id string) (Server, error) {
	var s Server
	err := c.do(ctx, http.MethodGet, "/servers/"+id, nil, &s)
	return s, err
}

func (c *RESTClient) PatchServer(ctx context.Context, id string, patch map[string]interface{}) error {
	return c.do(ctx, http.MethodPatch, "/servers/"+id, patch, nil)
}

type CreateServerRequest struct {
	Name string `json:"name"`
}

type CreateServerResponse struct {
	Server Server `json:"server"`
}

func (c *RESTClient) CreateServer(ctx context.Context, name string) (Server, error) {
	var resp CreateServerResponse
	err := c.do(ctx, http.MethodPost, "/servers/create", CreateServerRequest{Name: name}, &resp)
	return resp.Server, err
}

type Member struct {
	ID struct {
		Server string `json:"server"`
		User   string `json:"user"`
	} `json:"_id"`
	Roles []string `json:"roles"`
}

func (c *RESTClient) GetMember(ctx context.Context, serverID, userID string) (Member, bool, error) {
	var m Member
	err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/members/"+userID, nil, &m)
	if apierr.IsKind(err, apierr.NotFound) {
		return Member{}, false, nil
	}
	return m, err == nil, err
}

// ---- channels --------------------------------------------------------------

type Channel struct {
	ID          string   `json:"_id"`
	Type        string   `json:"channel_type"`
	Server      string   `json:"server,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	NSFW        bool     `json:"nsfw,omitempty"`
	Recipients  []string `json:"recipients,omitempty"`
}

const (
	ChannelTypeText          = "TextChannel"
	ChannelTypeVoice         = "VoiceChannel"
	ChannelTypeDirectMessage = "DirectMessage"
	ChannelTypeGroup         = "Group"
)

func (c *RESTClient) GetChannel(ctx context.Context, id string) (Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodGet, "/channels/"+id, nil, &ch)
	return ch, err
}

func (c *RESTClient) PatchChannel(ctx context.Context, id string, patch map[string]interface{}) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+id, patch, nil)
}

type CreateChannelRequest struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	NSFW        bool   `json:"nsfw,omitempty"`
}

func (c *RESTClient) CreateChannel(ctx context.Context, serverID string, req CreateChannelRequest) (Channel, error) {
	var ch Channel
	err := c.do(ctx, http.MethodPost, "/servers/"+serverID+"/channels", req, &ch)
	return ch, err
}

// ---- roles ------------------------------------------------------------------

type CreateRoleRequest struct {
	Name string `json:"name"`
}

type CreateRoleResponse struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (c *RESTClient) CreateRole(ctx context.Context, serverID, name string) (CreateRoleResponse, error) {
	var resp CreateRoleResponse
	err := c.do(ctx, http.MethodPost, "/servers/"+serverID+"/roles", CreateRoleRequest{Name: name}, &resp)
	return resp, err
}

func (c *RESTClient) PatchRole(ctx context.Context, serverID, roleID string, patch map[string]interface{}) error {
	return c.do(ctx, http.MethodPatch, "/servers/"+serverID+"/roles/"+roleID, patch, nil)
}

// SetRolePermissions PUTs the permission bitfield for a role (or
// "default" for the @everyone fallback) on a server.
func (c *RESTClient) SetRolePermissions(ctx context.Context, serverID, roleOrDefault string, permissions int64) error {
	return c.do(ctx, http.MethodPut, "/servers/"+serverID+"/permissions/"+roleOrDefault,
		map[string]interface{}{"permissions": permissions}, nil)
}

// SetChannelPermissions PUTs a channel-scoped permission override for
// a role (or "default").
func (c *RESTClient) SetChannelPermissions(ctx context.Context, channelID, roleOrDefault string, allow, deny int64) error {
	return c.do(ctx, http.MethodPut, "/channels/"+channelID+"/permissions/"+roleOrDefault,
		map[string]interface{}{"permissions": map[string]int64{"allow": allow, "deny": deny}}, nil)
}

// ---- messages -----------------------------------------------------------------

type Masquerade struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type ReplyRef struct {
	ID      string `json:"id"`
	Mention bool   `json:"mention"`
}

type Embed struct {
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Colour      string `json:"colour,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
}

type SendMessageRequest struct {
	Content    string     `json:"content,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Replies    []ReplyRef `json:"replies,omitempty"`
	Masquerade *Masquerade `json:"masquerade,omitempty"`
	Embeds     []Embed    `json:"embeds,omitempty"`
}

type Message struct {
	ID          string      `json:"_id"`
	Channel     string      `json:"channel"`
	Author      string      `json:"author"`
	Content     string      `json:"content"`
	Attachments []File      `json:"attachments,omitempty"`
	Replies     []string    `json:"replies,omitempty"`
	Mentions    []string    `json:"mentions,omitempty"`
	Masquerade  *Masquerade `json:"masquerade,omitempty"`
	Embeds      []Embed     `json:"embeds,omitempty"`
}

func (c *RESTClient) SendMessage(ctx context.Context, channelID string, req SendMessageRequest) (Message, error) {
	var m Message
	err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", req, &m)
	return m, err
}

func (c *RESTClient) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
}

// DeleteMessage deletes a message. A 404 is treated as success
// (already gone), matching the webhook-delete convention in §4.2.
func (c *RESTClient) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
	if apierr.IsKind(err, apierr.NotFound) {
		return nil
	}
	return err
}

func (c *RESTClient) GetMessage(ctx context.Context, channelID, messageID string) (Message, bool, error) {
	var m Message
	err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, &m)
	if apierr.IsKind(err, apierr.NotFound) {
		return Message{}, false, nil
	}
	return m, err == nil, err
}

// ListMessages pages channel messages, newest-first unless sort is
// overridden. Outage recovery and the rotating poller both page with
// after=; no caller in the bridge passes before=.
func (c *RESTClient) ListMessages(ctx context.Context, channelID string, limit int, after, before, sort string) ([]Message, error) {
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit)
	if after != "" {
		path += "&after=" + after
	}
	if before != "" {
		path += "&before=" + before
	}
	if sort != "" {
		path += "&sort=" + sort
	}
	var msgs []Message
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// ---- emoji --------------------------------------------------------------------

type ServerEmoji struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Server string `json:"parent"`
}

func (c *RESTClient) ListServerEmoji(ctx context.Context, serverID string) ([]ServerEmoji, error) {
	var out []ServerEmoji
	err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/emojis", nil, &out)
	return out, err
}

func (c *RESTClient) CreateEmoji(ctx context.Context, fileID, name, serverID string) error {
	return c.do(ctx, http.MethodPut, "/custom/emoji/"+fileID,
		map[string]interface{}{"name": name, "parent": map[string]string{"type": "Server", "id": serverID}}, nil)
}

// ---- bans / members (migration snapshotting) -----------------------------------

func (c *RESTClient) ListBans(ctx context.Context, serverID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/bans", nil, &raw)
	return raw, err
}

func (c *RESTClient) ListMembers(ctx context.Context, serverID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/members", nil, &raw)
	return raw, err
}

// ---- file upload sidecar (autumn) -----------------------------------------------

// UploadTag names the upload destination bucket.
type UploadTag string

const (
	TagAttachments UploadTag = "attachments"
	TagIcons       UploadTag = "icons"
	TagBanners     UploadTag = "banners"
	TagAvatars     UploadTag = "avatars"
	TagEmojis      UploadTag = "emojis"
)

// Upload sends data to the CDN sidecar under tag and returns the
// resulting file id, consumed by subsequent send/edit/emoji calls.
func (c *RESTClient) Upload(ctx context.Context, tag UploadTag, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write file data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cdnURL+"/"+string(tag), &body)
	if err != nil {
		return "", apierr.New(apierr.Transport, "upload", 0, "", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apierr.New(apierr.Transport, "upload", 0, "", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", apierr.New(apierr.FromStatus(resp.StatusCode), "upload", resp.StatusCode, string(respBody), nil)
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return decoded.ID, nil
}

// FetchBytes downloads raw bytes from an arbitrary CDN URL (used to
// re-host an attachment from one platform to the other).
func (c *RESTClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.New(apierr.Transport, "fetch attachment", 0, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, apierr.New(apierr.FromStatus(resp.StatusCode), "fetch attachment", resp.StatusCode, "", nil)
	}
	return io.ReadAll(resp.Body)
}
