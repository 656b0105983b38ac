package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tribixbite/stoatcord-bridge/internal/echoguard"
	"github.com/tribixbite/stoatcord-bridge/internal/format"
	"github.com/tribixbite/stoatcord-bridge/internal/metrics"
	"github.com/tribixbite/stoatcord-bridge/internal/sanitize"
	"github.com/tribixbite/stoatcord-bridge/internal/sourceapi"
	"github.com/tribixbite/stoatcord-bridge/internal/store"
	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
)

// Size caps for attachment re-hosting (spec §4.5.1/§4.5.2, externalized
// per the Open Question in spec §9).
const (
	MaxUploadToTargetBytes = 20 * 1024 * 1024
	MaxUploadToSourceBytes = 25 * 1024 * 1024
)

const quotePrefix = "> *Replying to a message*"

// Engine relays messages, edits, and deletes bidirectionally (spec
// §4.5), consulting the echo guard before acting on anything it might
// have originated itself.
type Engine struct {
	Store  *store.Store
	Source *sourceapi.Client
	Target *targetapi.RESTClient
	Guard  *echoguard.Guard
	Users  *UserCache

	dispatcher *Dispatcher
	cdnURL     string
	log        *slog.Logger
}

// New builds a relay Engine.
func New(st *store.Store, source *sourceapi.Client, target *targetapi.RESTClient, guard *echoguard.Guard, users *UserCache, cdnURL string) *Engine {
	return &Engine{
		Store:      st,
		Source:     source,
		Target:     target,
		Guard:      guard,
		Users:      users,
		dispatcher: NewDispatcher(),
		cdnURL:     cdnURL,
		log:        slog.With("component", "relay"),
	}
}

// ---- inbound entry points, dispatched per-channel for ordering (spec §5) ----

func (e *Engine) HandleSourceMessage(ctx context.Context, m sourceapi.Message) {
	e.dispatcher.Submit("source:"+m.ChannelID, func() {
		if err := e.relaySourceToTarget(ctx, m); err != nil {
			e.log.Warn("relay source->target failed", "error", err, "message_id", m.ID)
			metrics.RelayedMessagesTotal.WithLabelValues("s->t", "error").Inc()
		}
	})
}

func (e *Engine) HandleTargetMessage(ctx context.Context, m targetapi.MessageEvent) {
	e.dispatcher.Submit("target:"+m.Channel, func() {
		if err := e.relayTargetToSource(ctx, m.Message); err != nil {
			e.log.Warn("relay target->source failed", "error", err, "message_id", m.ID)
			metrics.RelayedMessagesTotal.WithLabelValues("t->s", "error").Inc()
		}
	})
}

// ---- 4.5.1 source -> target --------------------------------------------------

func (e *Engine) relaySourceToTarget(ctx context.Context, m sourceapi.Message) error {
	if m.AuthorBot || m.IsSystem {
		return nil
	}

	link, err := e.Store.GetChannelLinkBySourceChannelID(ctx, m.ChannelID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("lookup channel link: %w", err)
	}

	content := format.ToTarget(m.Content)

	fileIDs, extraLines := e.rehostToTarget(ctx, m.Attachments)
	content = appendLines(content, extraLines)

	if content == "" && len(fileIDs) == 0 {
		return nil
	}

	var replies []targetapi.ReplyRef
	if m.ReplyToID != "" {
		if pair, err := e.Store.GetBridgeMessageBySourceID(ctx, m.ReplyToID); err == nil {
			replies = append(replies, targetapi.ReplyRef{ID: pair.TargetMessageID, Mention: false})
		} else {
			content = quotePrefix + "\n" + content
		}
	}

	sent, err := e.Target.SendMessage(ctx, link.TargetChannelID, targetapi.SendMessageRequest{
		Content:     content,
		Attachments: fileIDs,
		Replies:     replies,
		Masquerade: &targetapi.Masquerade{
			Name:   sanitize.DisplayName(m.AuthorName, 32),
			Avatar: m.AuthorAvatarURL,
		},
	})
	if err != nil {
		return fmt.Errorf("send target message: %w", err)
	}

	e.Guard.Mark(echoguard.Bridged, sent.ID)
	if err := e.Store.StoreBridgeMessage(ctx, store.BridgeMessage{
		SourceMessageID: m.ID,
		TargetMessageID: sent.ID,
		SourceChannelID: m.ChannelID,
		TargetChannelID: link.TargetChannelID,
		Direction:       store.DirectionSourceToTarget,
		CreatedAt:       time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("store bridge pair: %w", err)
	}
	if err := e.Store.UpdateChannelLinkCursor(ctx, link.ID, m.ID, sent.ID, time.Now().Unix()); err != nil {
		return fmt.Errorf("update channel link cursor: %w", err)
	}

	metrics.RelayedMessagesTotal.WithLabelValues("s->t", "ok").Inc()
	return nil
}

// rehostToTarget fetches each source attachment and re-uploads it to
// the target CDN, falling back to appending the attachment URL as a
// content line when the upload fails or the attachment exceeds
// MaxUploadToTargetBytes (spec §4.5.1 step 3).
func (e *Engine) rehostToTarget(ctx context.Context, atts []sourceapi.Attachment) (fileIDs []string, extraLines []string) {
	for _, a := range atts {
		if a.Size > MaxUploadToTargetBytes {
			extraLines = append(extraLines, a.URL)
			continue
		}
		data, err := e.Target.FetchBytes(ctx, a.URL)
		if err != nil {
			e.log.Warn("fetch source attachment failed", "url", a.URL, "error", err)
			extraLines = append(extraLines, a.URL)
			continue
		}
		id, err := e.Target.Upload(ctx, targetapi.TagAttachments, a.Filename, data)
		if err != nil {
			e.log.Warn("upload attachment to target failed", "url", a.URL, "error", err)
			extraLines = append(extraLines, a.URL)
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	return fileIDs, extraLines
}

// ---- 4.5.2 target -> source --------------------------------------------------

func (e *Engine) relayTargetToSource(ctx context.Context, m targetapi.Message) error {
	if e.Guard.Was(echoguard.Bridged, m.ID) || m.Masquerade != nil {
		return nil
	}

	link, err := e.Store.GetChannelLinkByTargetChannelID(ctx, m.Channel)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("lookup channel link: %w", err)
	}
	if !link.WebhookID.Valid || !link.WebhookToken.Valid {
		return nil
	}

	content := format.ToSource(m.Content)

	if len(m.Replies) > 0 {
		if pair, err := e.Store.GetBridgeMessageByTargetID(ctx, m.Replies[0]); err == nil {
			content = fmt.Sprintf("> replying to https://discord.com/channels/_/%s/%s\n%s", link.SourceChannelID, pair.SourceMessageID, content)
		} else {
			content = quotePrefix + "\n" + content
		}
	}

	files, extraLines := e.rehostToSource(ctx, m.Attachments)
	content = appendLines(content, extraLines)

	if content == "" && len(files) == 0 {
		return nil
	}

	name, avatarURL, err := e.Users.Resolve(ctx, m.Author)
	if err != nil {
		return fmt.Errorf("resolve author: %w", err)
	}

	sentID, err := e.Source.WebhookSend(ctx, link.WebhookID.String, link.WebhookToken.String,
		sanitize.DisplayName(name, 80), avatarURL, content, files)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}

	e.Guard.Mark(echoguard.Bridged, sentID)
	if err := e.Store.StoreBridgeMessage(ctx, store.BridgeMessage{
		SourceMessageID: sentID,
		TargetMessageID: m.ID,
		SourceChannelID: link.SourceChannelID,
		TargetChannelID: m.Channel,
		Direction:       store.DirectionTargetToSource,
		CreatedAt:       time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("store bridge pair: %w", err)
	}
	if err := e.Store.UpdateChannelLinkCursor(ctx, link.ID, sentID, m.ID, time.Now().Unix()); err != nil {
		return fmt.Errorf("update channel link cursor: %w", err)
	}

	metrics.RelayedMessagesTotal.WithLabelValues("t->s", "ok").Inc()
	return nil
}

func (e *Engine) rehostToSource(ctx context.Context, atts []targetapi.File) (files []sourceapi.WebhookFile, extraLines []string) {
	for _, a := range atts {
		url := e.cdnURL + "/attachments/" + a.ID
		data, err := e.Target.FetchBytes(ctx, url)
		if err != nil {
			extraLines = append(extraLines, url)
			continue
		}
		if len(data) > MaxUploadToSourceBytes {
			extraLines = append(extraLines, url)
			continue
		}
		files = append(files, sourceapi.WebhookFile{Name: a.ID, Data: data})
	}
	return files, extraLines
}

// ---- 4.5.3 edit sync ----------------------------------------------------------

func (e *Engine) HandleSourceEdit(ctx context.Context, m sourceapi.Message) {
	e.dispatcher.Submit("source:"+m.ChannelID, func() {
		if err := e.relaySourceEdit(ctx, m); err != nil {
			e.log.Warn("relay source edit failed", "error", err, "message_id", m.ID)
		}
	})
}

func (e *Engine) relaySourceEdit(ctx context.Context, m sourceapi.Message) error {
	pair, err := e.Store.GetBridgeMessageBySourceID(ctx, m.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	e.Guard.Mark(echoguard.Edited, pair.TargetMessageID)
	return e.Target.EditMessage(ctx, pair.TargetChannelID, pair.TargetMessageID, format.ToTarget(m.Content))
}

func (e *Engine) HandleTargetEdit(ctx context.Context, ev targetapi.MessageEvent) {
	e.dispatcher.Submit("target:"+ev.Channel, func() {
		if err := e.relayTargetEdit(ctx, ev.Message); err != nil {
			e.log.Warn("relay target edit failed", "error", err, "message_id", ev.ID)
		}
	})
}

func (e *Engine) relayTargetEdit(ctx context.Context, m targetapi.Message) error {
	if e.Guard.Was(echoguard.Edited, m.ID) {
		return nil
	}
	pair, err := e.Store.GetBridgeMessageByTargetID(ctx, m.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	link, err := e.Store.GetChannelLinkBySourceChannelID(ctx, pair.SourceChannelID)
	if err != nil || !link.WebhookID.Valid {
		return nil
	}
	e.Guard.Mark(echoguard.Edited, pair.SourceMessageID)
	return e.Source.WebhookEdit(ctx, link.WebhookID.String, link.WebhookToken.String, pair.SourceMessageID, format.ToSource(m.Content))
}

// ---- 4.5.4 delete sync ----------------------------------------------------------

func (e *Engine) HandleSourceDelete(ctx context.Context, channelID, messageID string) {
	e.dispatcher.Submit("source:"+channelID, func() {
		if err := e.relaySourceDelete(ctx, messageID); err != nil {
			e.log.Warn("relay source delete failed", "error", err, "message_id", messageID)
		}
	})
}

func (e *Engine) relaySourceDelete(ctx context.Context, sourceMessageID string) error {
	pair, err := e.Store.GetBridgeMessageBySourceID(ctx, sourceMessageID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	e.Guard.Mark(echoguard.Deleted, pair.TargetMessageID)
	if err := e.Target.DeleteMessage(ctx, pair.TargetChannelID, pair.TargetMessageID); err != nil {
		return err
	}
	return e.Store.DeleteBridgeMessageBySourceID(ctx, sourceMessageID)
}

func (e *Engine) HandleTargetDelete(ctx context.Context, ev targetapi.MessageDeleteEvent) {
	e.dispatcher.Submit("target:"+ev.Channel, func() {
		if err := e.relayTargetDelete(ctx, ev.ID); err != nil {
			e.log.Warn("relay target delete failed", "error", err, "message_id", ev.ID)
		}
	})
}

func (e *Engine) relayTargetDelete(ctx context.Context, targetMessageID string) error {
	if e.Guard.Was(echoguard.Deleted, targetMessageID) {
		return nil
	}
	pair, err := e.Store.GetBridgeMessageByTargetID(ctx, targetMessageID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	link, err := e.Store.GetChannelLinkBySourceChannelID(ctx, pair.SourceChannelID)
	if err != nil || !link.WebhookID.Valid {
		return nil
	}
	e.Guard.Mark(echoguard.Deleted, pair.SourceMessageID)
	if err := e.Source.WebhookDelete(ctx, link.WebhookID.String, link.WebhookToken.String, pair.SourceMessageID); err != nil {
		return err
	}
	return e.Store.DeleteBridgeMessageByTargetID(ctx, targetMessageID)
}

// ---- helpers --------------------------------------------------------------

func appendLines(content string, lines []string) string {
	if len(lines) == 0 {
		return content
	}
	if content != "" {
		return content + "\n" + strings.Join(lines, "\n")
	}
	return strings.Join(lines, "\n")
}
