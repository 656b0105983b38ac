package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyLinked is returned when a target server already has a
// server link bound to a different source guild (the one-to-one
// binding invariant in spec §3/§8.1).
var ErrAlreadyLinked = errors.New("store: target server already linked to another guild")

// Store wraps the embedded SQLite database with typed CRUD operations.
// It is the single owner of persisted state; every other component
// reads/writes through it rather than touching *sql.DB directly.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened and migrated *sql.DB.
func New(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// DB exposes the underlying handle for callers that need raw access
// (e.g. WAL checkpoint on shutdown).
func (s *Store) DB() *sql.DB { return s.db }

// ---- server links ----------------------------------------------------

type ServerLink struct {
	SourceGuildID      string
	TargetServerID     string
	LinkedBySourceUser string
	LinkedByTargetUser sql.NullString
	AuthMethod         string
	CreatedAt          int64
}

// CreateServerLink inserts a new server link. It enforces the
// one-to-one binding invariant (a target server may back at most one
// source guild) by checking for an existing row first; the UNIQUE
// constraint on target_server_id is the authoritative backstop under
// concurrent callers.
func (s *Store) CreateServerLink(ctx context.Context, link ServerLink) error {
	existing, err := s.GetServerLinkByTargetServerID(ctx, link.TargetServerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && existing.SourceGuildID != link.SourceGuildID {
		return ErrAlreadyLinked
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO server_links (source_guild_id, target_server_id, linked_by_source_user, linked_by_target_user, auth_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		link.SourceGuildID, link.TargetServerID, link.LinkedBySourceUser, link.LinkedByTargetUser, link.AuthMethod, link.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyLinked
		}
		return fmt.Errorf("insert server link: %w", err)
	}
	return nil
}

func (s *Store) GetServerLinkBySourceGuildID(ctx context.Context, guildID string) (ServerLink, error) {
	return s.scanServerLink(s.db.QueryRowContext(ctx, `
		SELECT source_guild_id, target_server_id, linked_by_source_user, linked_by_target_user, auth_method, created_at
		FROM server_links WHERE source_guild_id = ?`, guildID))
}

func (s *Store) GetServerLinkByTargetServerID(ctx context.Context, targetServerID string) (ServerLink, error) {
	return s.scanServerLink(s.db.QueryRowContext(ctx, `
		SELECT source_guild_id, target_server_id, linked_by_source_user, linked_by_target_user, auth_method, created_at
		FROM server_links WHERE target_server_id = ?`, targetServerID))
}

func (s *Store) scanServerLink(row *sql.Row) (ServerLink, error) {
	var l ServerLink
	err := row.Scan(&l.SourceGuildID, &l.TargetServerID, &l.LinkedBySourceUser, &l.LinkedByTargetUser, &l.AuthMethod, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ServerLink{}, ErrNotFound
	}
	if err != nil {
		return ServerLink{}, fmt.Errorf("scan server link: %w", err)
	}
	return l, nil
}

// ---- channel links -----------------------------------------------------

type ChannelLink struct {
	ID                  int64
	SourceChannelID     string
	TargetChannelID     string
	WebhookID           sql.NullString
	WebhookToken        sql.NullString
	Active              bool
	LastBridgedSourceID sql.NullString
	LastBridgedTargetID sql.NullString
	LastBridgedAt       sql.NullInt64
	CreatedAt           int64
}

func (s *Store) CreateChannelLink(ctx context.Context, l ChannelLink) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_links (source_channel_id, target_channel_id, webhook_id, webhook_token, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.SourceChannelID, l.TargetChannelID, l.WebhookID, l.WebhookToken, l.Active, l.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert channel link: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetChannelLinkBySourceChannelID(ctx context.Context, id string) (ChannelLink, error) {
	return s.scanChannelLink(s.db.QueryRowContext(ctx, channelLinkSelect+` WHERE source_channel_id = ? AND active = 1`, id))
}

func (s *Store) GetChannelLinkByTargetChannelID(ctx context.Context, id string) (ChannelLink, error) {
	return s.scanChannelLink(s.db.QueryRowContext(ctx, channelLinkSelect+` WHERE target_channel_id = ? AND active = 1`, id))
}

const channelLinkSelect = `
	SELECT id, source_channel_id, target_channel_id, webhook_id, webhook_token, active,
	       last_bridged_source_id, last_bridged_target_id, last_bridged_at, created_at
	FROM channel_links`

func (s *Store) scanChannelLink(row *sql.Row) (ChannelLink, error) {
	var l ChannelLink
	err := row.Scan(&l.ID, &l.SourceChannelID, &l.TargetChannelID, &l.WebhookID, &l.WebhookToken, &l.Active,
		&l.LastBridgedSourceID, &l.LastBridgedTargetID, &l.LastBridgedAt, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelLink{}, ErrNotFound
	}
	if err != nil {
		return ChannelLink{}, fmt.Errorf("scan channel link: %w", err)
	}
	return l, nil
}

// ListActiveChannelLinks returns every active channel link, used by
// outage recovery to walk all bridges on reconnect.
func (s *Store) ListActiveChannelLinks(ctx context.Context) ([]ChannelLink, error) {
	rows, err := s.db.QueryContext(ctx, channelLinkSelect+` WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list channel links: %w", err)
	}
	defer rows.Close()

	var out []ChannelLink
	for rows.Next() {
		var l ChannelLink
		if err := rows.Scan(&l.ID, &l.SourceChannelID, &l.TargetChannelID, &l.WebhookID, &l.WebhookToken, &l.Active,
			&l.LastBridgedSourceID, &l.LastBridgedTargetID, &l.LastBridgedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateChannelLinkCursor advances both last-bridged cursors (an empty
// id leaves that side unchanged), atomically with the timestamp, so a
// crash mid-recovery resumes from a consistent point (spec §4.6).
func (s *Store) UpdateChannelLinkCursor(ctx context.Context, id int64, sourceID, targetID string, bridgedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_links
		SET last_bridged_source_id = COALESCE(?, last_bridged_source_id),
		    last_bridged_target_id = COALESCE(?, last_bridged_target_id),
		    last_bridged_at = ?
		WHERE id = ?`,
		nullIfEmpty(sourceID), nullIfEmpty(targetID), bridgedAt, id)
	if err != nil {
		return fmt.Errorf("update channel link cursor: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ---- role links ---------------------------------------------------------

func (s *Store) UpsertRoleLink(ctx context.Context, sourceRoleID, targetRoleID, sourceGuildID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_links (source_role_id, target_role_id, source_guild_id) VALUES (?, ?, ?)
		ON CONFLICT(source_role_id) DO UPDATE SET target_role_id = excluded.target_role_id`,
		sourceRoleID, targetRoleID, sourceGuildID)
	if err != nil {
		return fmt.Errorf("upsert role link: %w", err)
	}
	return nil
}

func (s *Store) GetRoleLink(ctx context.Context, sourceRoleID string) (string, error) {
	var targetRoleID string
	err := s.db.QueryRowContext(ctx, `SELECT target_role_id FROM role_links WHERE source_role_id = ?`, sourceRoleID).Scan(&targetRoleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return targetRoleID, err
}

// ---- bridge message pairs ------------------------------------------------

type Direction string

const (
	DirectionSourceToTarget Direction = "s->t"
	DirectionTargetToSource Direction = "t->s"
)

type BridgeMessage struct {
	SourceMessageID string
	TargetMessageID string
	SourceChannelID string
	TargetChannelID string
	Direction       Direction
	CreatedAt       int64
}

// StoreBridgeMessage upserts a pair keyed by source_message_id (spec
// §8.2: "storeBridgeMessage with an existing source-id replaces the
// row"). target_message_id keeps its own UNIQUE index, so a collision
// there surfaces as an error rather than silently overwriting.
func (s *Store) StoreBridgeMessage(ctx context.Context, m BridgeMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_messages (source_message_id, target_message_id, source_channel_id, target_channel_id, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_message_id) DO UPDATE SET
			target_message_id = excluded.target_message_id,
			source_channel_id = excluded.source_channel_id,
			target_channel_id = excluded.target_channel_id,
			direction = excluded.direction,
			created_at = excluded.created_at`,
		m.SourceMessageID, m.TargetMessageID, m.SourceChannelID, m.TargetChannelID, string(m.Direction), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert bridge message: %w", err)
	}
	return nil
}

func (s *Store) GetBridgeMessageBySourceID(ctx context.Context, id string) (BridgeMessage, error) {
	return s.scanBridgeMessage(s.db.QueryRowContext(ctx, bridgeMessageSelect+` WHERE source_message_id = ?`, id))
}

func (s *Store) GetBridgeMessageByTargetID(ctx context.Context, id string) (BridgeMessage, error) {
	return s.scanBridgeMessage(s.db.QueryRowContext(ctx, bridgeMessageSelect+` WHERE target_message_id = ?`, id))
}

const bridgeMessageSelect = `SELECT source_message_id, target_message_id, source_channel_id, target_channel_id, direction, created_at FROM bridge_messages`

func (s *Store) scanBridgeMessage(row *sql.Row) (BridgeMessage, error) {
	var m BridgeMessage
	var dir string
	err := row.Scan(&m.SourceMessageID, &m.TargetMessageID, &m.SourceChannelID, &m.TargetChannelID, &dir, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BridgeMessage{}, ErrNotFound
	}
	if err != nil {
		return BridgeMessage{}, fmt.Errorf("scan bridge message: %w", err)
	}
	m.Direction = Direction(dir)
	return m, nil
}

// DeleteBridgeMessageBySourceID removes both directions of lookup for
// a pair (spec §3 invariant: "deletion removes both directions").
func (s *Store) DeleteBridgeMessageBySourceID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bridge_messages WHERE source_message_id = ?`, id)
	return err
}

func (s *Store) DeleteBridgeMessageByTargetID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bridge_messages WHERE target_message_id = ?`, id)
	return err
}

// PruneBridgeMessagesOlderThan deletes pair rows older than cutoff
// (unix seconds). Spec §9 notes there is no created_at index, so this
// is a deliberate sequential scan; fine at this table's expected size.
func (s *Store) PruneBridgeMessagesOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bridge_messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune bridge messages: %w", err)
	}
	return res.RowsAffected()
}

// ---- claim codes ----------------------------------------------------------

type ClaimCode struct {
	Code           string
	TargetServerID string
	CreatedBy      string
	CreatedIn      string
	CreatedAt      int64
	UsedByGuild    sql.NullString
	UsedByUser     sql.NullString
	UsedAt         sql.NullInt64
}

func (s *Store) CreateClaimCode(ctx context.Context, c ClaimCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claim_codes (code, target_server_id, created_by, created_in, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Code, c.TargetServerID, c.CreatedBy, c.CreatedIn, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert claim code: %w", err)
	}
	return nil
}

func (s *Store) GetClaimCode(ctx context.Context, code string) (ClaimCode, error) {
	var c ClaimCode
	err := s.db.QueryRowContext(ctx, `
		SELECT code, target_server_id, created_by, created_in, created_at, used_by_guild, used_by_user, used_at
		FROM claim_codes WHERE code = ?`, code,
	).Scan(&c.Code, &c.TargetServerID, &c.CreatedBy, &c.CreatedIn, &c.CreatedAt, &c.UsedByGuild, &c.UsedByUser, &c.UsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ClaimCode{}, ErrNotFound
	}
	if err != nil {
		return ClaimCode{}, fmt.Errorf("get claim code: %w", err)
	}
	return c, nil
}

// ConsumeClaimCode atomically marks a code used via a conditional
// UPDATE (spec §4.1/§8.5/S4): two concurrent callers racing on the same
// code will see exactly one succeed (rows affected = 1) and the other
// get ErrNotFound.
func (s *Store) ConsumeClaimCode(ctx context.Context, code, guildID, userID string, usedAt int64) (string, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE claim_codes SET used_by_guild = ?, used_by_user = ?, used_at = ?
		WHERE code = ? AND used_by_guild IS NULL`,
		guildID, userID, usedAt, code)
	if err != nil {
		return "", fmt.Errorf("consume claim code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNotFound
	}

	var targetServerID string
	if err := s.db.QueryRowContext(ctx, `SELECT target_server_id FROM claim_codes WHERE code = ?`, code).Scan(&targetServerID); err != nil {
		return "", fmt.Errorf("read consumed claim code: %w", err)
	}
	return targetServerID, nil
}

// ---- migration requests ---------------------------------------------------

type MigrationStatus string

const (
	MigrationPending   MigrationStatus = "pending"
	MigrationApproved  MigrationStatus = "approved"
	MigrationRejected  MigrationStatus = "rejected"
	MigrationExpired   MigrationStatus = "expired"
	MigrationCancelled MigrationStatus = "cancelled"
)

type MigrationRequest struct {
	RequestID       string
	SourceGuildID   string
	SourceGuildName string
	SourceUserID    string
	SourceUserName  string
	TargetServerID  string
	TargetChannelID string
	TargetMessageID sql.NullString
	Status          MigrationStatus
	ApprovedBy      sql.NullString
	CreatedAt       int64
	ResolvedAt      sql.NullInt64
	ExpiresAt       int64
}

func (s *Store) CreateMigrationRequest(ctx context.Context, r MigrationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO migration_requests
			(request_id, source_guild_id, source_guild_name, source_user_id, source_user_name,
			 target_server_id, target_channel_id, target_message_id, status, approved_by,
			 created_at, resolved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.SourceGuildID, r.SourceGuildName, r.SourceUserID, r.SourceUserName,
		r.TargetServerID, r.TargetChannelID, r.TargetMessageID, r.Status, r.ApprovedBy,
		r.CreatedAt, r.ResolvedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert migration request: %w", err)
	}
	return nil
}

func (s *Store) SetMigrationRequestMessageID(ctx context.Context, requestID, targetMessageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE migration_requests SET target_message_id = ? WHERE request_id = ?`, targetMessageID, requestID)
	return err
}

func (s *Store) ResolveMigrationRequest(ctx context.Context, requestID string, status MigrationStatus, approvedBy string, resolvedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_requests SET status = ?, approved_by = ?, resolved_at = ? WHERE request_id = ?`,
		status, nullIfEmpty(approvedBy), resolvedAt, requestID)
	return err
}

// CancelPendingMigrationRequestsForServer cancels any still-pending
// request targeting a server, used before starting a new live-approval
// flow for the same target (spec §4.7).
func (s *Store) CancelPendingMigrationRequestsForServer(ctx context.Context, targetServerID string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_requests SET status = ?, resolved_at = ?
		WHERE target_server_id = ? AND status = ?`,
		MigrationCancelled, now, targetServerID, MigrationPending)
	return err
}

func (s *Store) GetMigrationRequestByMessageID(ctx context.Context, targetMessageID string) (MigrationRequest, error) {
	var r MigrationRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, source_guild_id, source_guild_name, source_user_id, source_user_name,
		       target_server_id, target_channel_id, target_message_id, status, approved_by,
		       created_at, resolved_at, expires_at
		FROM migration_requests WHERE target_message_id = ?`, targetMessageID,
	).Scan(&r.RequestID, &r.SourceGuildID, &r.SourceGuildName, &r.SourceUserID, &r.SourceUserName,
		&r.TargetServerID, &r.TargetChannelID, &r.TargetMessageID, &r.Status, &r.ApprovedBy,
		&r.CreatedAt, &r.ResolvedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MigrationRequest{}, ErrNotFound
	}
	if err != nil {
		return MigrationRequest{}, fmt.Errorf("get migration request: %w", err)
	}
	return r, nil
}

// ---- archive jobs ----------------------------------------------------------

type ArchiveDirection string

const (
	ArchiveExport ArchiveDirection = "export"
	ArchiveImport ArchiveDirection = "import"
)

type ArchiveStatus string

const (
	ArchivePending   ArchiveStatus = "pending"
	ArchiveRunning   ArchiveStatus = "running"
	ArchivePaused    ArchiveStatus = "paused"
	ArchiveCompleted ArchiveStatus = "completed"
	ArchiveFailed    ArchiveStatus = "failed"
)

type ArchiveJob struct {
	ID                string
	GuildID           string
	SourceChannelID   string
	SourceChannelName string
	TargetChannelID   sql.NullString
	Direction         ArchiveDirection
	Status            ArchiveStatus
	TotalMessages     int64
	ProcessedMessages int64
	LastMessageID     sql.NullString
	StartedAt         sql.NullInt64
	CompletedAt       sql.NullInt64
	Error             sql.NullString
}

func (s *Store) CreateArchiveJob(ctx context.Context, j ArchiveJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_jobs
			(id, guild_id, source_channel_id, source_channel_name, target_channel_id, direction, status,
			 total_messages, processed_messages, last_message_id, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.GuildID, j.SourceChannelID, j.SourceChannelName, j.TargetChannelID, j.Direction, j.Status,
		j.TotalMessages, j.ProcessedMessages, j.LastMessageID, j.StartedAt, j.CompletedAt, j.Error)
	if err != nil {
		return fmt.Errorf("insert archive job: %w", err)
	}
	return nil
}

// GetActiveExportJob returns the currently pending/running/paused
// export job for a source channel, if any (spec §3: "exactly one
// active export per source-channel").
func (s *Store) GetActiveExportJob(ctx context.Context, sourceChannelID string) (ArchiveJob, error) {
	return s.scanArchiveJob(s.db.QueryRowContext(ctx, archiveJobSelect+`
		WHERE source_channel_id = ? AND direction = ? AND status IN (?, ?, ?)`,
		sourceChannelID, ArchiveExport, ArchivePending, ArchiveRunning, ArchivePaused))
}

func (s *Store) GetArchiveJob(ctx context.Context, id string) (ArchiveJob, error) {
	return s.scanArchiveJob(s.db.QueryRowContext(ctx, archiveJobSelect+` WHERE id = ?`, id))
}

const archiveJobSelect = `
	SELECT id, guild_id, source_channel_id, source_channel_name, target_channel_id, direction, status,
	       total_messages, processed_messages, last_message_id, started_at, completed_at, error
	FROM archive_jobs`

func (s *Store) scanArchiveJob(row *sql.Row) (ArchiveJob, error) {
	var j ArchiveJob
	err := row.Scan(&j.ID, &j.GuildID, &j.SourceChannelID, &j.SourceChannelName, &j.TargetChannelID, &j.Direction, &j.Status,
		&j.TotalMessages, &j.ProcessedMessages, &j.LastMessageID, &j.StartedAt, &j.CompletedAt, &j.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchiveJob{}, ErrNotFound
	}
	if err != nil {
		return ArchiveJob{}, fmt.Errorf("scan archive job: %w", err)
	}
	return j, nil
}

func (s *Store) UpdateArchiveJobProgress(ctx context.Context, id string, processed int64, lastMessageID string, status ArchiveStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_jobs SET processed_messages = ?, last_message_id = ?, status = ? WHERE id = ?`,
		processed, lastMessageID, status, id)
	return err
}

func (s *Store) SetArchiveJobTotal(ctx context.Context, id string, total int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE archive_jobs SET total_messages = ? WHERE id = ?`, total, id)
	return err
}

func (s *Store) FinishArchiveJob(ctx context.Context, id string, status ArchiveStatus, errMsg string, completedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, nullIfEmpty(errMsg), completedAt, id)
	return err
}

// ---- archive messages -------------------------------------------------------

type ArchiveMessage struct {
	JobID           string
	SourceMessageID string
	AuthorID        string
	AuthorName      string
	AuthorAvatar    sql.NullString
	Content         string
	Timestamp       int64
	EditedTimestamp sql.NullInt64
	ReplyToID       sql.NullString
	Attachments     json.RawMessage
	Embeds          json.RawMessage
	TargetMessageID sql.NullString
	ImportedAt      sql.NullInt64
}

// InsertArchiveMessages bulk-inserts rows for one export page inside a
// single transaction using INSERT OR IGNORE, returning how many rows
// were actually inserted so a resumed export doesn't double-count
// (spec §4.1).
func (s *Store) InsertArchiveMessages(ctx context.Context, msgs []ArchiveMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO archive_messages
			(job_id, source_message_id, author_id, author_name, author_avatar, content, timestamp,
			 edited_timestamp, reply_to_id, attachments, embeds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		attachments := m.Attachments
		if attachments == nil {
			attachments = json.RawMessage("[]")
		}
		embeds := m.Embeds
		if embeds == nil {
			embeds = json.RawMessage("[]")
		}
		res, err := stmt.ExecContext(ctx, m.JobID, m.SourceMessageID, m.AuthorID, m.AuthorName, m.AuthorAvatar,
			m.Content, m.Timestamp, m.EditedTimestamp, m.ReplyToID, string(attachments), string(embeds))
		if err != nil {
			return 0, fmt.Errorf("insert archive message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ListUnimportedArchiveMessages returns up to limit rows (for job_id)
// that have not yet been imported, oldest first (spec §4.9.2).
func (s *Store) ListUnimportedArchiveMessages(ctx context.Context, jobID string, limit int) ([]ArchiveMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, source_message_id, author_id, author_name, author_avatar, content, timestamp,
		       edited_timestamp, reply_to_id, attachments, embeds, target_message_id, imported_at
		FROM archive_messages
		WHERE job_id = ? AND imported_at IS NULL
		ORDER BY timestamp ASC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unimported archive messages: %w", err)
	}
	defer rows.Close()

	var out []ArchiveMessage
	for rows.Next() {
		var m ArchiveMessage
		var attachments, embeds string
		if err := rows.Scan(&m.JobID, &m.SourceMessageID, &m.AuthorID, &m.AuthorName, &m.AuthorAvatar, &m.Content,
			&m.Timestamp, &m.EditedTimestamp, &m.ReplyToID, &attachments, &embeds, &m.TargetMessageID, &m.ImportedAt); err != nil {
			return nil, fmt.Errorf("scan archive message: %w", err)
		}
		m.Attachments = json.RawMessage(attachments)
		m.Embeds = json.RawMessage(embeds)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LookupImportedTargetMessageID resolves the target-message-id a
// previously-imported source message landed at, within the same job —
// used to reconstruct replies on import (spec §4.9.2).
func (s *Store) LookupImportedTargetMessageID(ctx context.Context, jobID, sourceMessageID string) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT target_message_id FROM archive_messages WHERE job_id = ? AND source_message_id = ?`,
		jobID, sourceMessageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || !id.Valid {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup imported message: %w", err)
	}
	return id.String, nil
}

func (s *Store) MarkArchiveMessageImported(ctx context.Context, jobID, sourceMessageID, targetMessageID string, importedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_messages SET target_message_id = ?, imported_at = ?
		WHERE job_id = ? AND source_message_id = ?`,
		targetMessageID, importedAt, jobID, sourceMessageID)
	return err
}

// ---- push devices ------------------------------------------------------------

type Transport string

const (
	TransportFCM     Transport = "fcm"
	TransportWebPush Transport = "webpush"
)

type PushDevice struct {
	ID              int64
	TargetUserID    string
	DeviceID        string
	Transport       Transport
	FCMToken        sql.NullString
	WebPushEndpoint sql.NullString
	WebPushP256dh   sql.NullString
	WebPushAuth     sql.NullString
	CreatedAt       int64
	UpdatedAt       int64
}

// UpsertPushDevice registers or updates a device, keyed by device_id
// (spec §3: "Registration is upsert on device-id").
func (s *Store) UpsertPushDevice(ctx context.Context, d PushDevice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_devices
			(target_user_id, device_id, transport, fcm_token, webpush_endpoint, webpush_p256dh, webpush_auth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			target_user_id = excluded.target_user_id,
			transport = excluded.transport,
			fcm_token = excluded.fcm_token,
			webpush_endpoint = excluded.webpush_endpoint,
			webpush_p256dh = excluded.webpush_p256dh,
			webpush_auth = excluded.webpush_auth,
			updated_at = excluded.updated_at`,
		d.TargetUserID, d.DeviceID, d.Transport, d.FCMToken, d.WebPushEndpoint, d.WebPushP256dh, d.WebPushAuth, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert push device: %w", err)
	}
	return nil
}

func (s *Store) ListPushDevicesByUser(ctx context.Context, targetUserID string) ([]PushDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_user_id, device_id, transport, fcm_token, webpush_endpoint, webpush_p256dh, webpush_auth, created_at, updated_at
		FROM push_devices WHERE target_user_id = ?`, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("list push devices: %w", err)
	}
	defer rows.Close()

	var out []PushDevice
	for rows.Next() {
		var d PushDevice
		if err := rows.Scan(&d.ID, &d.TargetUserID, &d.DeviceID, &d.Transport, &d.FCMToken,
			&d.WebPushEndpoint, &d.WebPushP256dh, &d.WebPushAuth, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan push device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeletePushDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_devices WHERE device_id = ?`, deviceID)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsFold(err.Error(), "unique") || containsFold(err.Error(), "constraint"))
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if equalFold(s[i:i+len(substr)], substr) {
				return true
			}
		}
		return false
	})()
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
