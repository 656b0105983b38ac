// Package recovery replays the gap of messages each side missed while
// the target gateway was disconnected (spec §4.6). It runs once per
// READY transition, walking every active channel link.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tribixbite/stoatcord-bridge/internal/echoguard"
	"github.com/tribixbite/stoatcord-bridge/internal/format"
	"github.com/tribixbite/stoatcord-bridge/internal/sanitize"
	"github.com/tribixbite/stoatcord-bridge/internal/sourceapi"
	"github.com/tribixbite/stoatcord-bridge/internal/store"
	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
)

const (
	sourceToTargetSpacing = 1100 * time.Millisecond
	targetToSourceSpacing = 500 * time.Millisecond
	delayedSuffix         = " [delayed]"
	gapCap                = 100
)

// Runner replays the source->target and target->source gaps for every
// active channel link.
type Runner struct {
	Store  *store.Store
	Source *sourceapi.Client
	Target *targetapi.RESTClient
	Guard  *echoguard.Guard

	cdnURL string
	log    *slog.Logger
}

// New builds a Runner.
func New(st *store.Store, source *sourceapi.Client, target *targetapi.RESTClient, guard *echoguard.Guard, cdnURL string) *Runner {
	return &Runner{Store: st, Source: source, Target: target, Guard: guard, cdnURL: cdnURL, log: slog.With("component", "recovery")}
}

// Run walks every active channel link and replays both gaps. It logs
// and continues past a single link's failure rather than aborting the
// whole reconnect.
func (r *Runner) Run(ctx context.Context) {
	links, err := r.Store.ListActiveChannelLinks(ctx)
	if err != nil {
		r.log.Error("list active channel links failed", "error", err)
		return
	}
	for _, link := range links {
		if err := r.recoverSourceToTarget(ctx, link); err != nil {
			r.log.Warn("source->target recovery failed", "channel_link_id", link.ID, "error", err)
		}
		if err := r.recoverTargetToSource(ctx, link); err != nil {
			r.log.Warn("target->source recovery failed", "channel_link_id", link.ID, "error", err)
		}
	}
}

func (r *Runner) recoverSourceToTarget(ctx context.Context, link store.ChannelLink) error {
	if !link.LastBridgedSourceID.Valid {
		return nil
	}
	msgs, err := r.Source.MessagesAfter(ctx, link.SourceChannelID, link.LastBridgedSourceID.String)
	if err != nil {
		return fmt.Errorf("fetch source gap: %w", err)
	}
	if len(msgs) > gapCap {
		msgs = msgs[:gapCap]
	}

	for i, m := range msgs {
		if m.AuthorBot || m.IsSystem {
			continue
		}
		if i > 0 {
			time.Sleep(sourceToTargetSpacing)
		}
		if err := r.replaySourceMessage(ctx, link, m); err != nil {
			r.log.Warn("replay source message failed", "message_id", m.ID, "error", err)
			continue
		}
	}
	return nil
}

func (r *Runner) replaySourceMessage(ctx context.Context, link store.ChannelLink, m sourceapi.Message) error {
	sent, err := r.Target.SendMessage(ctx, link.TargetChannelID, targetapi.SendMessageRequest{
		Content: format.ToTarget(m.Content),
		Masquerade: &targetapi.Masquerade{
			Name:   sanitize.DisplayName(m.AuthorName, 32-len(delayedSuffix)) + delayedSuffix,
			Avatar: m.AuthorAvatarURL,
		},
	})
	if err != nil {
		return fmt.Errorf("send target message: %w", err)
	}
	r.Guard.Mark(echoguard.Bridged, sent.ID)
	if err := r.Store.StoreBridgeMessage(ctx, store.BridgeMessage{
		SourceMessageID: m.ID,
		TargetMessageID: sent.ID,
		SourceChannelID: m.ChannelID,
		TargetChannelID: link.TargetChannelID,
		Direction:       store.DirectionSourceToTarget,
		CreatedAt:       time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("store bridge pair: %w", err)
	}
	return r.Store.UpdateChannelLinkCursor(ctx, link.ID, m.ID, sent.ID, time.Now().Unix())
}

func (r *Runner) recoverTargetToSource(ctx context.Context, link store.ChannelLink) error {
	if !link.WebhookID.Valid || !link.WebhookToken.Valid || !link.LastBridgedTargetID.Valid {
		return nil
	}
	msgs, err := r.Target.ListMessages(ctx, link.TargetChannelID, gapCap, link.LastBridgedTargetID.String, "", "Oldest")
	if err != nil {
		return fmt.Errorf("fetch target gap: %w", err)
	}

	for i, m := range msgs {
		if m.Masquerade != nil {
			continue
		}
		if i > 0 {
			time.Sleep(targetToSourceSpacing)
		}
		if err := r.replayTargetMessage(ctx, link, m); err != nil {
			r.log.Warn("replay target message failed", "message_id", m.ID, "error", err)
			continue
		}
	}
	return nil
}

func (r *Runner) replayTargetMessage(ctx context.Context, link store.ChannelLink, m targetapi.Message) error {
	name, avatarURL, err := r.resolveAuthor(ctx, m.Author)
	if err != nil {
		return fmt.Errorf("resolve author: %w", err)
	}

	sentID, err := r.Source.WebhookSend(ctx, link.WebhookID.String, link.WebhookToken.String,
		sanitize.DisplayName(name, 80-len(delayedSuffix))+delayedSuffix, avatarURL, format.ToSource(m.Content), nil)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	r.Guard.Mark(echoguard.Bridged, sentID)
	if err := r.Store.StoreBridgeMessage(ctx, store.BridgeMessage{
		SourceMessageID: sentID,
		TargetMessageID: m.ID,
		SourceChannelID: link.SourceChannelID,
		TargetChannelID: m.Channel,
		Direction:       store.DirectionTargetToSource,
		CreatedAt:       time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("store bridge pair: %w", err)
	}
	return r.Store.UpdateChannelLinkCursor(ctx, link.ID, sentID, m.ID, time.Now().Unix())
}

func (r *Runner) resolveAuthor(ctx context.Context, userID string) (name, avatarURL string, err error) {
	u, found, err := r.Target.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if !found {
		return "unknown-user", "", nil
	}
	name = u.Username
	if u.DisplayName != "" {
		name = u.DisplayName
	}
	return name, u.AvatarURL(r.cdnURL), nil
}
