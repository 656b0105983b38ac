package targetapi

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	pollInterval  = 5 * time.Second
	pollBatchSize = 10
)

// poller implements the REST polling fallback (spec §4.3.3): bot
// accounts may miss channel-message gateway events even while the WS
// is healthy, so a rotating poller walks the subscribed channel list
// in batches, GETs new messages since each channel's last-seen cursor,
// and feeds them through the same dedup+dispatch path as the WS.
type poller struct {
	rest    *RESTClient
	session *Session

	mu      sync.Mutex
	cursors map[string]string // channel id -> last-seen message id
	offset  int
	cancel  context.CancelFunc
}

func newPoller(rest *RESTClient, session *Session) *poller {
	return &poller{rest: rest, session: session, cursors: make(map[string]string)}
}

// reset clears the per-channel cursors and the rotation offset,
// called on every reconnect/Ready (spec §4.3.2: "clear the polling
// cursor state ... on reconnect"). channelIDs is not used; each poll
// reads the subscribed channel list from the session.
func (p *poller) reset(channelIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = make(map[string]string)
	p.offset = 0
}

func (p *poller) start(ctx context.Context) {
	p.stop()
	pctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.run(pctx)
}

func (p *poller) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollBatch(ctx)
		}
	}
}

// pollBatch polls the next pollBatchSize channels from the subscribed
// list, advancing a wrapping offset across calls.
func (p *poller) pollBatch(ctx context.Context) {
	channelIDs := p.session.SubscribedChannels()
	if len(channelIDs) == 0 {
		return
	}

	p.mu.Lock()
	offset := p.offset
	p.offset = (p.offset + pollBatchSize) % len(channelIDs)
	p.mu.Unlock()

	botID := p.session.BotUserID()

	for i := 0; i < pollBatchSize && i < len(channelIDs); i++ {
		idx := (offset + i) % len(channelIDs)
		channelID := channelIDs[idx]
		p.pollChannel(ctx, channelID, botID)
	}
}

func (p *poller) pollChannel(ctx context.Context, channelID, botID string) {
	p.mu.Lock()
	lastID, known := p.cursors[channelID]
	p.mu.Unlock()

	var msgs []Message
	var err error
	if known {
		msgs, err = p.rest.ListMessages(ctx, channelID, 10, lastID, "", "Latest")
	} else {
		msgs, err = p.rest.ListMessages(ctx, channelID, 1, "", "", "Latest")
	}
	if err != nil {
		slog.Warn("poll channel failed", "channel_id", channelID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	// API order is newest-first; reverse to chronological before
	// dispatch and cursor advancement (spec §4.3.3).
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	newest := lastID
	for _, m := range msgs {
		newest = m.ID
		if !known {
			// Priming call: only establish the cursor, don't dispatch
			// the single probe message as new activity.
			continue
		}
		if m.Author == botID {
			continue
		}
		p.session.dispatchMessage(m, true)
	}

	p.mu.Lock()
	p.cursors[channelID] = newest
	p.mu.Unlock()
}
