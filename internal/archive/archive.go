// Package archive implements channel export/import (C9, spec §4.9):
// paginated serialization of a source channel's history to the store,
// and replay of archived rows into a target channel.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tribixbite/stoatcord-bridge/internal/format"
	"github.com/tribixbite/stoatcord-bridge/internal/sanitize"
	"github.com/tribixbite/stoatcord-bridge/internal/sourceapi"
	"github.com/tribixbite/stoatcord-bridge/internal/store"
	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
	"github.com/tribixbite/stoatcord-bridge/internal/timefmt"
)

const (
	exportPageSize    = 100
	exportPageSpacing = 1500 * time.Millisecond
	importBatchSize   = 50
	importSpacing     = 1100 * time.Millisecond
	maxImportUpload   = 20 * 1024 * 1024

	quotePrefix = "> *Replying to a message*"
)

// skippedEmbedTypes lists source embed types with no useful target
// rendering (spec §4.9.2).
var skippedEmbedTypes = map[string]bool{"link": true, "video": true, "gifv": true}

// Engine runs export and import jobs.
type Engine struct {
	Store  *store.Store
	Source *sourceapi.Client
	Target *targetapi.RESTClient

	log *slog.Logger
}

// New builds an Engine.
func New(st *store.Store, source *sourceapi.Client, target *targetapi.RESTClient) *Engine {
	return &Engine{Store: st, Source: source, Target: target, log: slog.With("component", "archive")}
}

// ---- export (spec §4.9.1) --------------------------------------------------

// Export paginates channelID backward from the job's last cursor (or
// the newest message if starting fresh), persisting every page until
// either history is exhausted or cancel fires.
func (e *Engine) Export(ctx context.Context, jobID, channelID string, cancel <-chan struct{}) error {
	job, err := e.Store.GetArchiveJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load archive job: %w", err)
	}

	cursor := ""
	if job.LastMessageID.Valid {
		cursor = job.LastMessageID.String
	}

	for page := 0; ; page++ {
		select {
		case <-cancel:
			return e.Store.UpdateArchiveJobProgress(ctx, jobID, job.ProcessedMessages, cursor, store.ArchivePaused)
		default:
		}

		msgs, err := e.Source.PageMessages(ctx, channelID, cursor, exportPageSize)
		if err != nil {
			return fmt.Errorf("page source messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}

		rows := make([]store.ArchiveMessage, 0, len(msgs))
		for _, m := range msgs {
			if m.IsSystem || m.IsWebhook {
				continue
			}
			rows = append(rows, toArchiveRow(jobID, m))
		}

		inserted, err := e.Store.InsertArchiveMessages(ctx, rows)
		if err != nil {
			return fmt.Errorf("insert archive messages: %w", err)
		}
		job.ProcessedMessages += int64(inserted)
		cursor = msgs[len(msgs)-1].ID // oldest in this newest-first batch

		if err := e.Store.UpdateArchiveJobProgress(ctx, jobID, job.ProcessedMessages, cursor, store.ArchiveRunning); err != nil {
			return fmt.Errorf("update archive job progress: %w", err)
		}

		if len(msgs) < exportPageSize {
			break
		}
		time.Sleep(exportPageSpacing)
	}

	return e.Store.FinishArchiveJob(ctx, jobID, store.ArchiveCompleted, "", time.Now().Unix())
}

func toArchiveRow(jobID string, m sourceapi.Message) store.ArchiveMessage {
	attachments, _ := json.Marshal(m.Attachments)
	embeds, _ := json.Marshal(m.Embeds)

	row := store.ArchiveMessage{
		JobID:           jobID,
		SourceMessageID: m.ID,
		AuthorID:        m.AuthorID,
		AuthorName:      m.AuthorName,
		Content:         m.Content,
		Timestamp:       m.Timestamp.Unix(),
		Attachments:     attachments,
		Embeds:          embeds,
	}
	if m.AuthorAvatarURL != "" {
		row.AuthorAvatar = nullableString(m.AuthorAvatarURL)
	}
	if m.ReplyToID != "" {
		row.ReplyToID = nullableString(m.ReplyToID)
	}
	if m.EditedTimestamp != nil {
		row.EditedTimestamp = nullableInt64(m.EditedTimestamp.Unix())
	}
	return row
}

// ---- import (spec §4.9.2) --------------------------------------------------

// ImportOptions controls the optional attachment-rehost and
// embed-preservation behaviors.
type ImportOptions struct {
	RehostAttachments bool
	PreserveEmbeds    bool
}

// Import replays unimported rows of jobID into targetChannelID in
// timestamp order, batching by importBatchSize until none remain.
func (e *Engine) Import(ctx context.Context, jobID, targetChannelID string, opts ImportOptions, cancel <-chan struct{}) error {
	for {
		select {
		case <-cancel:
			return nil
		default:
		}

		rows, err := e.Store.ListUnimportedArchiveMessages(ctx, jobID, importBatchSize)
		if err != nil {
			return fmt.Errorf("list unimported archive messages: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		for i, row := range rows {
			select {
			case <-cancel:
				return nil
			default:
			}
			if i > 0 {
				time.Sleep(importSpacing)
			}
			if err := e.importRow(ctx, jobID, targetChannelID, row, opts); err != nil {
				e.log.Warn("import row failed", "source_message_id", row.SourceMessageID, "error", err)
			}
		}
	}
}

func (e *Engine) importRow(ctx context.Context, jobID, targetChannelID string, row store.ArchiveMessage, opts ImportOptions) error {
	header := timefmt.ArchiveHeader(time.Unix(row.Timestamp, 0))
	content := fmt.Sprintf("*%s*\n%s", header, format.ToTarget(row.Content))

	var fileIDs []string
	var attachments []sourceapi.Attachment
	_ = json.Unmarshal(row.Attachments, &attachments)
	for _, a := range attachments {
		if opts.RehostAttachments && a.Size <= maxImportUpload {
			data, err := e.Target.FetchBytes(ctx, a.URL)
			if err == nil {
				id, err := e.Target.Upload(ctx, targetapi.TagAttachments, a.Filename, data)
				if err == nil {
					fileIDs = append(fileIDs, id)
					continue
				}
			}
		}
		content += fmt.Sprintf("\n[%s](%s)", a.Filename, a.URL)
	}

	var replies []targetapi.ReplyRef
	if row.ReplyToID.Valid {
		if targetID, err := e.Store.LookupImportedTargetMessageID(ctx, jobID, row.ReplyToID.String); err == nil {
			replies = append(replies, targetapi.ReplyRef{ID: targetID, Mention: false})
		} else {
			content = quotePrefix + "\n" + content
		}
	}

	var embeds []targetapi.Embed
	if opts.PreserveEmbeds {
		var sourceEmbeds []sourceapi.Embed
		_ = json.Unmarshal(row.Embeds, &sourceEmbeds)
		for _, em := range sourceEmbeds {
			if skippedEmbedTypes[em.Type] {
				continue
			}
			embeds = append(embeds, targetapi.Embed{
				Type:        "Text",
				Title:       sanitize.StripHTML(em.Title),
				Description: sanitize.StripHTML(em.Description),
				URL:         em.URL,
				Colour:      colourHex(em.Colour),
				IconURL:     em.IconURL,
			})
		}
	}

	avatarURL := ""
	if row.AuthorAvatar.Valid {
		avatarURL = row.AuthorAvatar.String
	}

	sent, err := e.Target.SendMessage(ctx, targetChannelID, targetapi.SendMessageRequest{
		Content:     content,
		Attachments: fileIDs,
		Replies:     replies,
		Embeds:      embeds,
		Masquerade: &targetapi.Masquerade{
			Name:   row.AuthorName,
			Avatar: avatarURL,
		},
	})
	if err != nil {
		return fmt.Errorf("send imported message: %w", err)
	}

	return e.Store.MarkArchiveMessageImported(ctx, jobID, row.SourceMessageID, sent.ID, time.Now().Unix())
}

func colourHex(c int) string {
	if c == 0 {
		return ""
	}
	return fmt.Sprintf("#%06x", c)
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: true}
}
