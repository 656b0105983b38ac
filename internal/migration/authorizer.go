// Package migration implements server-binding authorization (C7) and
// the one-shot structural migration executor (C8) — spec §4.7/§4.8.
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tribixbite/stoatcord-bridge/internal/idgen"
	"github.com/tribixbite/stoatcord-bridge/internal/sourceapi"
	"github.com/tribixbite/stoatcord-bridge/internal/store"
	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
)

// ManageServerBit is the target platform's permission bitfield flag
// granting server-administration rights, consulted by the admin check
// in spec §4.7.
const ManageServerBit int64 = 1 << 3

const liveApprovalDeadline = 300 * time.Second

// BindRequest is the caller-supplied input to Authorize: which of
// claim_code/target_server_id were provided selects the path (spec
// §4.7).
type BindRequest struct {
	SourceGuildID   string
	SourceGuildName string
	SourceUserID    string
	SourceUserName  string
	ClaimCode       string
	TargetServerID  string
}

// BindResult reports which path ran and, for live_approval, that a
// request is pending rather than resolved.
type BindResult struct {
	TargetServerID string
	Method         string
	Pending        bool
	RequestID      string
}

// ErrClaimCodeMismatch is returned when a consumed claim code's bound
// server disagrees with the caller-supplied target_server_id.
var ErrClaimCodeMismatch = fmt.Errorf("claim code targets a different server")

// ErrNotAdmin is returned when a live-approval reply's author is
// neither the target server's owner nor holds ManageServer.
var ErrNotAdmin = fmt.Errorf("replier is not a server admin")

// Authorizer runs the three-path bind state machine and the
// live-approval rendezvous.
type Authorizer struct {
	Store  *store.Store
	Source *sourceapi.Client
	Target *targetapi.RESTClient

	mu      sync.Mutex
	pending map[string]*pendingApproval // keyed by target message id
}

type pendingApproval struct {
	requestID string
	result    chan approvalOutcome
}

type approvalOutcome struct {
	approved   bool
	approverID string
}

// New builds an Authorizer.
func New(st *store.Store, source *sourceapi.Client, target *targetapi.RESTClient) *Authorizer {
	return &Authorizer{Store: st, Source: source, Target: target, pending: make(map[string]*pendingApproval)}
}

// Authorize runs the bind state machine selected by which of
// req.ClaimCode/req.TargetServerID are present.
func (a *Authorizer) Authorize(ctx context.Context, req BindRequest) (BindResult, error) {
	switch {
	case req.ClaimCode == "" && req.TargetServerID == "":
		return a.newServer(ctx, req)
	case req.ClaimCode != "":
		return a.claimCode(ctx, req)
	default:
		return a.liveApproval(ctx, req)
	}
}

func (a *Authorizer) newServer(ctx context.Context, req BindRequest) (BindResult, error) {
	server, err := a.Target.CreateServer(ctx, req.SourceGuildName)
	if err != nil {
		return BindResult{}, fmt.Errorf("create target server: %w", err)
	}
	if err := a.Store.CreateServerLink(ctx, store.ServerLink{
		SourceGuildID:      req.SourceGuildID,
		TargetServerID:     server.ID,
		LinkedBySourceUser: req.SourceUserID,
		AuthMethod:         "new_server",
		CreatedAt:          time.Now().Unix(),
	}); err != nil {
		return BindResult{}, fmt.Errorf("record server link: %w", err)
	}
	return BindResult{TargetServerID: server.ID, Method: "new_server"}, nil
}

func (a *Authorizer) claimCode(ctx context.Context, req BindRequest) (BindResult, error) {
	code := idgen.NormalizeClaimCode(req.ClaimCode)
	consumedServerID, err := a.Store.ConsumeClaimCode(ctx, code, req.SourceGuildID, req.SourceUserID, time.Now().Unix())
	if err != nil {
		return BindResult{}, fmt.Errorf("consume claim code: %w", err)
	}
	if req.TargetServerID != "" && req.TargetServerID != consumedServerID {
		return BindResult{}, ErrClaimCodeMismatch
	}

	if _, err := a.Target.GetServer(ctx, consumedServerID); err != nil {
		return BindResult{}, fmt.Errorf("verify bot access to target server: %w", err)
	}

	claim, err := a.Store.GetClaimCode(ctx, code)
	if err != nil {
		return BindResult{}, fmt.Errorf("read claim code: %w", err)
	}

	if err := a.Store.CreateServerLink(ctx, store.ServerLink{
		SourceGuildID:      req.SourceGuildID,
		TargetServerID:     consumedServerID,
		LinkedBySourceUser: req.SourceUserID,
		LinkedByTargetUser: nullableString(claim.CreatedBy),
		AuthMethod:         "claim_code",
		CreatedAt:          time.Now().Unix(),
	}); err != nil {
		return BindResult{}, fmt.Errorf("record server link: %w", err)
	}
	return BindResult{TargetServerID: consumedServerID, Method: "claim_code"}, nil
}

func (a *Authorizer) liveApproval(ctx context.Context, req BindRequest) (BindResult, error) {
	if _, err := a.Target.GetServer(ctx, req.TargetServerID); err != nil {
		return BindResult{}, fmt.Errorf("verify bot access to target server: %w", err)
	}
	if existing, err := a.Store.GetServerLinkByTargetServerID(ctx, req.TargetServerID); err == nil && existing.SourceGuildID != req.SourceGuildID {
		return BindResult{}, store.ErrAlreadyLinked
	}

	now := time.Now().Unix()
	if err := a.Store.CancelPendingMigrationRequestsForServer(ctx, req.TargetServerID, now); err != nil {
		return BindResult{}, fmt.Errorf("cancel prior pending requests: %w", err)
	}

	server, err := a.Target.GetServer(ctx, req.TargetServerID)
	if err != nil {
		return BindResult{}, fmt.Errorf("fetch target server: %w", err)
	}
	channelID, err := a.chooseApprovalChannel(ctx, server)
	if err != nil {
		return BindResult{}, err
	}

	requestID := idgen.RequestID()
	expiresAt := now + int64(liveApprovalDeadline.Seconds())
	if err := a.Store.CreateMigrationRequest(ctx, store.MigrationRequest{
		RequestID:       requestID,
		SourceGuildID:   req.SourceGuildID,
		SourceGuildName: req.SourceGuildName,
		SourceUserID:    req.SourceUserID,
		SourceUserName:  req.SourceUserName,
		TargetServerID:  req.TargetServerID,
		TargetChannelID: channelID,
		Status:          store.MigrationPending,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}); err != nil {
		return BindResult{}, fmt.Errorf("create migration request: %w", err)
	}

	sent, err := a.Target.SendMessage(ctx, channelID, targetapi.SendMessageRequest{
		Content: fmt.Sprintf(
			"**%s** (%s) wants to bridge this server. Reply `approve` or `deny` within 5 minutes.",
			req.SourceGuildName, req.SourceUserName),
	})
	if err != nil {
		return BindResult{}, fmt.Errorf("post approval prompt: %w", err)
	}
	if err := a.Store.SetMigrationRequestMessageID(ctx, requestID, sent.ID); err != nil {
		return BindResult{}, fmt.Errorf("record approval message id: %w", err)
	}

	a.mu.Lock()
	a.pending[sent.ID] = &pendingApproval{requestID: requestID, result: make(chan approvalOutcome, 1)}
	a.mu.Unlock()

	return BindResult{TargetServerID: req.TargetServerID, Method: "live_approval", Pending: true, RequestID: requestID}, nil
}

func (a *Authorizer) chooseApprovalChannel(ctx context.Context, server targetapi.Server) (string, error) {
	if server.SystemMessages.UserJoined != "" {
		return server.SystemMessages.UserJoined, nil
	}
	for _, id := range server.Channels {
		ch, err := a.Target.GetChannel(ctx, id)
		if err != nil {
			continue
		}
		if ch.Type == targetapi.ChannelTypeText {
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("no text channel available to post approval prompt")
}

// Await blocks until the request whose approval prompt is
// targetMessageID resolves (approved/denied), liveApprovalDeadline
// passes (the request is then expired), or ctx is cancelled. The
// caller (C3 dispatch) drives resolution via HandleReply.
func (a *Authorizer) Await(ctx context.Context, targetMessageID string) (approverID string, approved bool, err error) {
	a.mu.Lock()
	p, ok := a.pending[targetMessageID]
	a.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("no pending approval for message %s", targetMessageID)
	}

	timer := time.NewTimer(liveApprovalDeadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-timer.C:
		a.expire(targetMessageID, p)
		return "", false, fmt.Errorf("approval request timed out")
	case outcome := <-p.result:
		return outcome.approverID, outcome.approved, nil
	}
}

func (a *Authorizer) expire(targetMessageID string, p *pendingApproval) {
	a.mu.Lock()
	delete(a.pending, targetMessageID)
	a.mu.Unlock()
	_ = a.Store.ResolveMigrationRequest(context.Background(), p.requestID, store.MigrationExpired, "", time.Now().Unix())
}

// HandleReply inspects an inbound target-platform message for a reply
// to a pending approval prompt and resolves or rejects it. It is a
// no-op if replyToMessageID does not match a pending request.
func (a *Authorizer) HandleReply(ctx context.Context, replyToMessageID, authorID, content string) error {
	a.mu.Lock()
	p, ok := a.pending[replyToMessageID]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	req, err := a.Store.GetMigrationRequestByMessageID(ctx, replyToMessageID)
	if err != nil {
		return fmt.Errorf("lookup migration request: %w", err)
	}

	isAdmin, err := a.isServerAdmin(ctx, req.TargetServerID, authorID)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if !isAdmin {
		return ErrNotAdmin
	}

	now := time.Now().Unix()
	switch normalizeVerb(content) {
	case verbApprove:
		a.mu.Lock()
		delete(a.pending, replyToMessageID)
		a.mu.Unlock()
		if err := a.Store.ResolveMigrationRequest(ctx, req.RequestID, store.MigrationApproved, authorID, now); err != nil {
			return fmt.Errorf("resolve migration request: %w", err)
		}
		p.result <- approvalOutcome{approved: true, approverID: authorID}
		return nil
	case verbDeny:
		a.mu.Lock()
		delete(a.pending, replyToMessageID)
		a.mu.Unlock()
		if err := a.Store.ResolveMigrationRequest(ctx, req.RequestID, store.MigrationRejected, authorID, now); err != nil {
			return fmt.Errorf("resolve migration request: %w", err)
		}
		p.result <- approvalOutcome{approved: false}
		return nil
	default:
		return nil
	}
}

type verb int

const (
	verbNone verb = iota
	verbApprove
	verbDeny
)

func normalizeVerb(content string) verb {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "approve", "yes", "confirm":
		return verbApprove
	case "deny", "reject", "no":
		return verbDeny
	default:
		return verbNone
	}
}

func (a *Authorizer) isServerAdmin(ctx context.Context, serverID, userID string) (bool, error) {
	server, err := a.Target.GetServer(ctx, serverID)
	if err != nil {
		return false, err
	}
	if server.Owner == userID {
		return true, nil
	}
	member, found, err := a.Target.GetMember(ctx, serverID, userID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	for _, roleID := range member.Roles {
		role, ok := server.Roles[roleID]
		if ok && role.Permissions.A&ManageServerBit != 0 {
			return true, nil
		}
	}
	return false, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
