// Package push implements device notification fan-out (C10, spec
// §4.10): for every inbound target-platform message it resolves the
// set of users who should be notified (mentions plus DM/group
// recipients), then dispatches to each registered device over FCM,
// WebPush-with-keys, or plain WebPush/UnifiedPush.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/tribixbite/stoatcord-bridge/internal/metrics"
	"github.com/tribixbite/stoatcord-bridge/internal/store"
	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
)

const (
	channelCacheTTL = 10 * time.Minute
	authorCacheTTL  = 5 * time.Minute
	webpushTTL      = 3600
	defaultAvatar   = ""
)

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]{26})>`)

// Config holds the optional transport credentials. Either or both may
// be configured; a nil fcm token source or empty VAPID keys simply
// disable that transport's devices (their sends fail silently and are
// logged, matching "other errors keep the device").
type Config struct {
	Target    *targetapi.RESTClient
	Store     *store.Store
	BotUserID string
	CDNURL    string

	FirebaseServiceAccountJSON []byte
	VAPIDPublicKey             string
	VAPIDPrivateKey            string
	VAPIDSubscriber            string
}

// Engine resolves notification targets and dispatches per device.
type Engine struct {
	target    *targetapi.RESTClient
	store  *store.Store
	cdnURL string

	botMu     sync.Mutex
	botUserID string

	fcm             *fcmTokenSource
	vapidPublicKey  string
	vapidPrivateKey string
	vapidSubscriber string

	httpClient *http.Client
	log        *slog.Logger

	mu           sync.Mutex
	channelCache map[string]cachedChannel
	authorCache  map[string]cachedAuthor
}

type cachedChannel struct {
	channel   targetapi.Channel
	expiresAt time.Time
}

type cachedAuthor struct {
	user      targetapi.User
	expiresAt time.Time
}

// New builds an Engine. A malformed FirebaseServiceAccountJSON
// disables the fcm transport (logged, not fatal) so webpush devices
// still receive notifications.
func New(cfg Config) *Engine {
	e := &Engine{
		target:          cfg.Target,
		store:           cfg.Store,
		botUserID:       cfg.BotUserID,
		cdnURL:          cfg.CDNURL,
		vapidPublicKey:  cfg.VAPIDPublicKey,
		vapidPrivateKey: cfg.VAPIDPrivateKey,
		vapidSubscriber: cfg.VAPIDSubscriber,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             slog.With("component", "push"),
		channelCache:    make(map[string]cachedChannel),
		authorCache:     make(map[string]cachedAuthor),
	}
	if len(cfg.FirebaseServiceAccountJSON) > 0 {
		src, err := newFCMTokenSource(cfg.FirebaseServiceAccountJSON)
		if err != nil {
			e.log.Error("fcm disabled: invalid service account", "error", err)
		} else {
			e.fcm = src
		}
	}
	return e
}

// SetBotUserID updates the bot's own user id, known only once the
// target gateway's Ready frame arrives.
func (e *Engine) SetBotUserID(id string) {
	e.botMu.Lock()
	e.botUserID = id
	e.botMu.Unlock()
}

// BotUserID returns the bot's own user id.
func (e *Engine) BotUserID() string {
	e.botMu.Lock()
	defer e.botMu.Unlock()
	return e.botUserID
}

// notificationPayload is the JSON body delivered to every device
// (spec §4.10 step 6).
type notificationPayload struct {
	Icon    string          `json:"icon,omitempty"`
	Message notificationMsg `json:"message"`
}

type notificationMsg struct {
	ID          string       `json:"_id"`
	Channel     string       `json:"channel"`
	Author      string       `json:"author"`
	Content     string       `json:"content"`
	Attachments []string     `json:"attachments,omitempty"`
	User        notifiedUser `json:"user"`
}

type notifiedUser struct {
	ID            string `json:"_id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	DisplayName   string `json:"display_name,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Bot           bool   `json:"bot"`
}

// HandleMessage fans a newly-relayed target message out to every
// recipient's registered devices.
func (e *Engine) HandleMessage(ctx context.Context, m targetapi.MessageEvent) {
	if m.Author == e.BotUserID() || m.Masquerade != nil {
		return
	}

	targets := map[string]bool{}
	for _, id := range mentionPattern.FindAllStringSubmatch(m.Content, -1) {
		targets[id[1]] = true
	}

	channel, err := e.resolveChannel(ctx, m.Channel)
	if err != nil {
		e.log.Warn("resolve channel for push fan-out failed", "channel", m.Channel, "error", err)
	} else if channel.Type == targetapi.ChannelTypeDirectMessage || channel.Type == targetapi.ChannelTypeGroup {
		for _, id := range channel.Recipients {
			targets[id] = true
		}
	}

	delete(targets, m.Author)
	if len(targets) == 0 {
		return
	}

	author, err := e.resolveAuthor(ctx, m.Author)
	if err != nil {
		e.log.Warn("resolve author for push fan-out failed", "author", m.Author, "error", err)
		return
	}

	icon := author.AvatarURL(e.cdnURL)
	if icon == "" {
		icon = defaultAvatar
	}

	attachments := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a.ID)
	}

	payload := notificationPayload{
		Icon: icon,
		Message: notificationMsg{
			ID:          m.ID,
			Channel:     m.Channel,
			Author:      m.Author,
			Content:     m.Content,
			Attachments: attachments,
			User: notifiedUser{
				ID:            author.ID,
				Username:      author.Username,
				Discriminator: author.Discrim,
				DisplayName:   author.DisplayName,
				Avatar:        author.AvatarURL(e.cdnURL),
				Bot:           author.Bot != nil,
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("marshal push payload failed", "error", err)
		return
	}

	for userID := range targets {
		devices, err := e.store.ListPushDevicesByUser(ctx, userID)
		if err != nil {
			e.log.Warn("list push devices failed", "user", userID, "error", err)
			continue
		}
		for _, d := range devices {
			e.dispatch(ctx, d, body)
		}
	}
}

func (e *Engine) resolveChannel(ctx context.Context, channelID string) (targetapi.Channel, error) {
	e.mu.Lock()
	if entry, ok := e.channelCache[channelID]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.channel, nil
	}
	e.mu.Unlock()

	ch, err := e.target.GetChannel(ctx, channelID)
	if err != nil {
		return targetapi.Channel{}, err
	}

	e.mu.Lock()
	e.channelCache[channelID] = cachedChannel{channel: ch, expiresAt: time.Now().Add(channelCacheTTL)}
	e.mu.Unlock()
	return ch, nil
}

func (e *Engine) resolveAuthor(ctx context.Context, userID string) (targetapi.User, error) {
	e.mu.Lock()
	if entry, ok := e.authorCache[userID]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.user, nil
	}
	e.mu.Unlock()

	u, found, err := e.target.GetUser(ctx, userID)
	if err != nil {
		return targetapi.User{}, err
	}
	if !found {
		return targetapi.User{}, fmt.Errorf("author %s not found", userID)
	}

	e.mu.Lock()
	e.authorCache[userID] = cachedAuthor{user: u, expiresAt: time.Now().Add(authorCacheTTL)}
	e.mu.Unlock()
	return u, nil
}

// dispatch sends payload to a single device over its registered
// transport and evicts it on an unregistered/gone response (spec
// §4.10 step 7).
func (e *Engine) dispatch(ctx context.Context, d store.PushDevice, payload []byte) {
	switch d.Transport {
	case store.TransportFCM:
		e.dispatchFCM(ctx, d, payload)
	case store.TransportWebPush:
		if d.WebPushP256dh.Valid && d.WebPushAuth.Valid {
			e.dispatchWebPushWithKeys(ctx, d, payload)
		} else {
			e.dispatchWebPushPlain(ctx, d, payload)
		}
	default:
		e.log.Warn("unknown push transport", "transport", d.Transport, "device_id", d.DeviceID)
	}
}

func (e *Engine) dispatchFCM(ctx context.Context, d store.PushDevice, payload []byte) {
	if e.fcm == nil || !d.FCMToken.Valid {
		return
	}
	status, body, err := e.sendFCM(ctx, d.FCMToken.String, payload, false)
	if err == nil && status == http.StatusUnauthorized {
		status, body, err = e.sendFCM(ctx, d.FCMToken.String, payload, true)
	}
	if err != nil {
		e.log.Warn("fcm send failed", "device_id", d.DeviceID, "error", err)
		metrics.PushSentTotal.WithLabelValues("fcm", "error").Inc()
		return
	}
	switch {
	case status >= 200 && status < 300:
		metrics.PushSentTotal.WithLabelValues("fcm", "ok").Inc()
	case status == http.StatusNotFound || strings.Contains(body, "UNREGISTERED"):
		e.evict(ctx, d.DeviceID, "fcm")
	default:
		e.log.Warn("fcm send non-2xx", "device_id", d.DeviceID, "status", status)
		metrics.PushSentTotal.WithLabelValues("fcm", "error").Inc()
	}
}

func (e *Engine) sendFCM(ctx context.Context, fcmToken string, payload []byte, forceRefresh bool) (status int, body string, err error) {
	var bearer string
	if forceRefresh {
		bearer, err = e.fcm.Refresh(ctx)
	} else {
		bearer, err = e.fcm.Token(ctx)
	}
	if err != nil {
		return 0, "", fmt.Errorf("fcm bearer token: %w", err)
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"token": fcmToken,
			"data":  map[string]string{"payload": string(payload)},
			"android": map[string]string{
				"priority": "high",
			},
		},
	})
	if err != nil {
		return 0, "", err
	}

	url := fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", e.fcm.projectID())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.String(), nil
}

func (e *Engine) dispatchWebPushWithKeys(ctx context.Context, d store.PushDevice, payload []byte) {
	sub := &webpush.Subscription{
		Endpoint: d.WebPushEndpoint.String,
		Keys: webpush.Keys{
			P256dh: d.WebPushP256dh.String,
			Auth:   d.WebPushAuth.String,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		VAPIDPublicKey:  e.vapidPublicKey,
		VAPIDPrivateKey: e.vapidPrivateKey,
		Subscriber:      e.vapidSubscriber,
		TTL:             webpushTTL,
	})
	if err != nil {
		e.log.Warn("webpush send failed", "device_id", d.DeviceID, "error", err)
		metrics.PushSentTotal.WithLabelValues("webpush", "error").Inc()
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.PushSentTotal.WithLabelValues("webpush", "ok").Inc()
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		e.evict(ctx, d.DeviceID, "webpush")
	default:
		e.log.Warn("webpush send non-2xx", "device_id", d.DeviceID, "status", resp.StatusCode)
		metrics.PushSentTotal.WithLabelValues("webpush", "error").Inc()
	}
}

// dispatchWebPushPlain delivers to endpoints with no VAPID/encryption
// keys (UnifiedPush/ntfy forwarders): a bare JSON POST (spec §4.10
// step 7, "webpush without keys").
func (e *Engine) dispatchWebPushPlain(ctx context.Context, d store.PushDevice, payload []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebPushEndpoint.String, bytes.NewReader(payload))
	if err != nil {
		e.log.Warn("build plain webpush request failed", "device_id", d.DeviceID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.log.Warn("plain webpush send failed", "device_id", d.DeviceID, "error", err)
		metrics.PushSentTotal.WithLabelValues("webpush_plain", "error").Inc()
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.PushSentTotal.WithLabelValues("webpush_plain", "ok").Inc()
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		e.evict(ctx, d.DeviceID, "webpush_plain")
	default:
		e.log.Warn("plain webpush send non-2xx", "device_id", d.DeviceID, "status", resp.StatusCode)
		metrics.PushSentTotal.WithLabelValues("webpush_plain", "error").Inc()
	}
}

func (e *Engine) evict(ctx context.Context, deviceID, transport string) {
	if err := e.store.DeletePushDevice(ctx, deviceID); err != nil {
		e.log.Warn("evict push device failed", "device_id", deviceID, "error", err)
		return
	}
	metrics.PushDevicesEvictedTotal.WithLabelValues(transport).Inc()
}
