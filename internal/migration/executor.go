package migration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tribixbite/stoatcord-bridge/internal/idgen"
	"github.com/tribixbite/stoatcord-bridge/internal/sourceapi"
	"github.com/tribixbite/stoatcord-bridge/internal/store"
	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
)

// Mode selects which source entities the executor creates/updates
// (spec §4.8.2).
type Mode string

const (
	ModeMissing    Mode = "missing"
	ModeFull       Mode = "full"
	ModeRoles      Mode = "roles"
	ModeCategories Mode = "categories"
)

const (
	roleSpacing    = 2500 * time.Millisecond
	channelSpacing = 2500 * time.Millisecond
	emojiSpacing   = 2000 * time.Millisecond
	maxEmojiBytes  = 20 * 1024 * 1024
)

// ErrCancelled is returned when Options.Cancel is closed mid-run.
var ErrCancelled = fmt.Errorf("migration cancelled")

// Options configures one executor run.
type Options struct {
	Mode           Mode
	DryRun         bool
	Cancel         <-chan struct{}
	IncludeEmoji   bool
	IncludeMedia   bool
	IncludeSnapshot bool
}

// Progress is a snapshot emitted after every operation (spec §4.8.5).
type Progress struct {
	Total         int
	Completed     int
	CurrentAction string
	Errors        []string
	Warnings      []string
	DryRunLog     []string
	Created       int
	Updated       int
	Skipped       int
}

// Executor runs the structural migration plan against the target
// server, driven by a snapshot of the source guild.
type Executor struct {
	Source *sourceapi.Client
	Target *targetapi.RESTClient
	Store  *store.Store

	mu       sync.Mutex
	progress Progress
	onUpdate func(Progress)
}

// New builds an Executor. onUpdate, if non-nil, is called with a copy
// of the progress snapshot after every operation.
func New(source *sourceapi.Client, target *targetapi.RESTClient, st *store.Store, onUpdate func(Progress)) *Executor {
	return &Executor{Source: source, Target: target, Store: st, onUpdate: onUpdate}
}

// SourceGuild is the subset of source-guild structure the executor
// diffs against the target.
type SourceGuild struct {
	ID          string
	Name        string
	Description string
	Roles       []SourceRole
	Channels    []SourceChannel
	Emoji       []SourceEmoji
	IconURL     string
	BannerURL   string
}

type SourceRole struct {
	ID          string
	Name        string
	Colour      string
	Hoist       bool
	Permissions int64
	Mentionable bool // no target analogue; produces a warning
	IconURL     string
}

type SourceChannel struct {
	ID          string
	Name        string
	Description string
	NSFW        bool
	CategoryID  string
	CategoryName string
}

type SourceEmoji struct {
	ID       string
	Name     string
	URL      string
	Animated bool
}

// Run executes the plan against targetServerID.
func (e *Executor) Run(ctx context.Context, targetServerID string, guild SourceGuild, opts Options) (Progress, error) {
	e.progress = Progress{Total: e.estimateTotal(guild, opts)}
	e.emit("starting migration")

	target, err := e.Target.GetServer(ctx, targetServerID)
	if err != nil {
		return e.progress, fmt.Errorf("fetch target server: %w", err)
	}

	if opts.IncludeSnapshot {
		e.runSnapshot(ctx, targetServerID)
	}

	existingChannels, existingRoles := e.diff(ctx, target)

	roleMap := make(map[string]string) // source role id -> target role id
	if opts.Mode != ModeCategories {
		if err := e.runRoles(ctx, targetServerID, guild.Roles, existingRoles, roleMap, opts); err != nil {
			return e.progress, err
		}
	}

	channelMap := make(map[string]string) // source channel id -> target channel id
	if opts.Mode != ModeCategories && opts.Mode != ModeRoles {
		if err := e.runChannels(ctx, targetServerID, guild.Channels, existingChannels, channelMap, opts); err != nil {
			return e.progress, err
		}
	}
	if opts.Mode == ModeCategories {
		// No channels are created or updated; map the ones that already
		// exist on the target by name so they can be grouped.
		for _, c := range guild.Channels {
			if match, ok := existingChannels[strings.ToLower(c.Name)]; ok {
				channelMap[c.ID] = match.ID
			}
		}
	}

	if err := e.checkCancel(opts); err != nil {
		return e.progress, err
	}
	if err := e.runCategories(ctx, targetServerID, target, guild.Channels, channelMap, opts); err != nil {
		return e.progress, err
	}

	if opts.Mode == ModeFull || opts.Mode == ModeMissing {
		if err := e.runServerProperties(ctx, targetServerID, target, guild, opts); err != nil {
			return e.progress, err
		}
	}

	if opts.IncludeEmoji {
		if err := e.runEmoji(ctx, targetServerID, guild.Emoji, opts); err != nil {
			return e.progress, err
		}
	}

	if opts.IncludeMedia {
		if err := e.runMedia(ctx, targetServerID, target, guild, opts); err != nil {
			return e.progress, err
		}
	}

	e.emit("migration complete")
	return e.progress, nil
}

func (e *Executor) estimateTotal(guild SourceGuild, opts Options) int {
	n := len(guild.Roles) + len(guild.Channels) + 1 // +1 for categories phase
	if opts.Mode == ModeFull || opts.Mode == ModeMissing {
		n++
	}
	if opts.IncludeEmoji {
		n += len(guild.Emoji)
	}
	if opts.IncludeMedia {
		n += 2
	}
	return n
}

// runSnapshot fetches the target server's current member and ban
// lists before any mutation (spec §4.8, Options.IncludeSnapshot) and
// records only the byte size of each response in the dry-run log; the
// fetched data itself is not kept. A failure here (e.g. the bot lacks
// permission to list bans) becomes a warning and never fails the run.
func (e *Executor) runSnapshot(ctx context.Context, serverID string) {
	members, err := e.Target.ListMembers(ctx, serverID)
	if err != nil {
		e.recordWarning(fmt.Sprintf("snapshot: could not list members: %v", err))
	} else {
		e.logDryRun(fmt.Sprintf("snapshot: captured %d bytes of member data", len(members)))
	}

	bans, err := e.Target.ListBans(ctx, serverID)
	if err != nil {
		e.recordWarning(fmt.Sprintf("snapshot: could not list bans: %v", err))
	} else {
		e.logDryRun(fmt.Sprintf("snapshot: captured %d bytes of ban data", len(bans)))
	}
}

// diff builds lowercase-name lookup maps of existing target channels
// and roles (spec §4.8.1). Per-item read failures are tolerated.
func (e *Executor) diff(ctx context.Context, target targetapi.Server) (channels map[string]targetapi.Channel, roles map[string]struct {
	ID   string
	Role targetapi.Role
}) {
	channels = make(map[string]targetapi.Channel)
	for _, id := range target.Channels {
		ch, err := e.Target.GetChannel(ctx, id)
		if err != nil {
			continue
		}
		channels[strings.ToLower(ch.Name)] = ch
	}

	roles = make(map[string]struct {
		ID   string
		Role targetapi.Role
	})
	for id, role := range target.Roles {
		roles[strings.ToLower(role.Name)] = struct {
			ID   string
			Role targetapi.Role
		}{ID: id, Role: role}
	}
	return channels, roles
}

func (e *Executor) runRoles(ctx context.Context, serverID string, sourceRoles []SourceRole, existing map[string]struct {
	ID   string
	Role targetapi.Role
}, roleMap map[string]string, opts Options) error {
	inScope := opts.Mode == ModeFull || opts.Mode == ModeMissing || opts.Mode == ModeRoles
	if !inScope {
		return nil
	}
	for i, r := range sourceRoles {
		if err := e.checkCancel(opts); err != nil {
			return err
		}
		if err := e.migrateRole(ctx, serverID, r, existing, roleMap, opts); err != nil {
			e.recordError(fmt.Sprintf("role %q: %v", r.Name, err))
		}
		if i > 0 && !opts.DryRun {
			time.Sleep(roleSpacing)
		}
		e.advance(fmt.Sprintf("migrated role %q", r.Name))
	}
	return nil
}

func (e *Executor) migrateRole(ctx context.Context, serverID string, r SourceRole, existing map[string]struct {
	ID   string
	Role targetapi.Role
}, roleMap map[string]string, opts Options) error {
	if r.Mentionable || r.IconURL != "" {
		e.recordWarning(fmt.Sprintf("role %q: mentionable flag and custom icon have no target analogue", r.Name))
	}

	key := strings.ToLower(r.Name)
	var targetRoleID string

	if match, ok := existing[key]; ok {
		targetRoleID = match.ID
		if opts.DryRun {
			e.logDryRun(fmt.Sprintf("would update role %q", r.Name))
		} else {
			patch := map[string]interface{}{}
			if match.Role.Colour != r.Colour {
				patch["colour"] = r.Colour
			}
			if match.Role.Hoist != r.Hoist {
				patch["hoist"] = r.Hoist
			}
			if len(patch) > 0 {
				if err := e.Target.PatchRole(ctx, serverID, targetRoleID, patch); err != nil {
					return fmt.Errorf("patch role: %w", err)
				}
			}
			if err := e.Target.SetRolePermissions(ctx, serverID, targetRoleID, r.Permissions); err != nil {
				return fmt.Errorf("set role permissions: %w", err)
			}
			e.recordUpdated()
		}
	} else {
		if opts.DryRun {
			e.logDryRun(fmt.Sprintf("would create role %q", r.Name))
		} else {
			created, err := e.Target.CreateRole(ctx, serverID, truncateName(r.Name, &e.progress))
			if err != nil {
				return fmt.Errorf("create role: %w", err)
			}
			targetRoleID = created.ID
			if err := e.Target.PatchRole(ctx, serverID, targetRoleID, map[string]interface{}{"colour": r.Colour, "hoist": r.Hoist}); err != nil {
				return fmt.Errorf("patch new role: %w", err)
			}
			if err := e.Target.SetRolePermissions(ctx, serverID, targetRoleID, r.Permissions); err != nil {
				return fmt.Errorf("set role permissions: %w", err)
			}
			e.recordCreated()
		}
	}

	if targetRoleID != "" {
		roleMap[r.ID] = targetRoleID
		if !opts.DryRun {
			if err := e.Store.UpsertRoleLink(ctx, r.ID, targetRoleID, serverID); err != nil {
				return fmt.Errorf("store role link: %w", err)
			}
		}
	}
	return nil
}

func (e *Executor) runChannels(ctx context.Context, serverID string, sourceChannels []SourceChannel, existing map[string]targetapi.Channel, channelMap map[string]string, opts Options) error {
	inScope := opts.Mode == ModeFull || opts.Mode == ModeMissing
	if !inScope {
		return nil
	}
	for i, c := range sourceChannels {
		if err := e.checkCancel(opts); err != nil {
			return err
		}
		if err := e.migrateChannel(ctx, serverID, c, existing, channelMap, opts); err != nil {
			e.recordError(fmt.Sprintf("channel %q: %v", c.Name, err))
		}
		if i > 0 && !opts.DryRun {
			time.Sleep(channelSpacing)
		}
		e.advance(fmt.Sprintf("migrated channel %q", c.Name))
	}
	return nil
}

func (e *Executor) migrateChannel(ctx context.Context, serverID string, c SourceChannel, existing map[string]targetapi.Channel, channelMap map[string]string, opts Options) error {
	key := strings.ToLower(c.Name)
	if match, ok := existing[key]; ok {
		channelMap[c.ID] = match.ID
		if opts.DryRun {
			e.logDryRun(fmt.Sprintf("would update channel %q", c.Name))
			return nil
		}
		patch := map[string]interface{}{}
		if match.Description != c.Description {
			patch["description"] = c.Description
		}
		if match.NSFW != c.NSFW {
			patch["nsfw"] = c.NSFW
		}
		if len(patch) > 0 {
			if err := e.Target.PatchChannel(ctx, match.ID, patch); err != nil {
				return fmt.Errorf("patch channel: %w", err)
			}
		}
		e.recordUpdated()
		return nil
	}

	if opts.DryRun {
		e.logDryRun(fmt.Sprintf("would create channel %q", c.Name))
		return nil
	}
	created, err := e.Target.CreateChannel(ctx, serverID, targetapi.CreateChannelRequest{
		Type:        targetapi.ChannelTypeText,
		Name:        truncateName(c.Name, &e.progress),
		Description: c.Description,
		NSFW:        c.NSFW,
	})
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	channelMap[c.ID] = created.ID
	e.recordCreated()
	return nil
}

// runCategories groups every mapped channel (selected or not) by
// source category name and PATCHes a single categories array (spec
// §4.8.3 step 3).
func (e *Executor) runCategories(ctx context.Context, serverID string, target targetapi.Server, sourceChannels []SourceChannel, channelMap map[string]string, opts Options) error {
	groups := make(map[string][]string)
	var order []string
	for _, c := range sourceChannels {
		targetID, ok := channelMap[c.ID]
		if !ok {
			continue
		}
		name := c.CategoryName
		if name == "" {
			continue
		}
		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}
		groups[name] = append(groups[name], targetID)
	}
	if len(groups) == 0 {
		e.advance("no categories to rewrite")
		return nil
	}

	categories := make([]map[string]interface{}, 0, len(order))
	for _, name := range order {
		categories = append(categories, map[string]interface{}{
			"id":       newCategoryID(),
			"title":    name,
			"channels": groups[name],
		})
	}

	if opts.DryRun {
		e.logDryRun(fmt.Sprintf("would rewrite %d categories", len(categories)))
		e.advance("categories (dry run)")
		return nil
	}
	if err := e.Target.PatchServer(ctx, serverID, map[string]interface{}{"categories": categories}); err != nil {
		return fmt.Errorf("patch categories: %w", err)
	}
	e.recordUpdated()
	e.advance("rewrote categories")
	return nil
}

func (e *Executor) runServerProperties(ctx context.Context, serverID string, target targetapi.Server, guild SourceGuild, opts Options) error {
	if target.Description == guild.Description {
		e.advance("server properties already in sync")
		return nil
	}
	if opts.DryRun {
		e.logDryRun("would update server description")
		e.advance("server properties (dry run)")
		return nil
	}
	if err := e.Target.PatchServer(ctx, serverID, map[string]interface{}{"description": guild.Description}); err != nil {
		return fmt.Errorf("patch server description: %w", err)
	}
	e.recordUpdated()
	e.advance("updated server properties")
	return nil
}

func (e *Executor) runEmoji(ctx context.Context, serverID string, emoji []SourceEmoji, opts Options) error {
	existing, err := e.Target.ListServerEmoji(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list existing emoji: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, em := range existing {
		taken[em.Name] = true
	}

	for i, em := range emoji {
		if err := e.checkCancel(opts); err != nil {
			return err
		}
		name := uniqueEmojiName(em.Name, taken)
		if opts.DryRun {
			e.logDryRun(fmt.Sprintf("would upload emoji %q", name))
		} else {
			if err := e.migrateEmoji(ctx, serverID, em, name); err != nil {
				e.recordError(fmt.Sprintf("emoji %q: %v", em.Name, err))
			} else {
				taken[name] = true
				e.recordCreated()
			}
		}
		if i > 0 && !opts.DryRun {
			time.Sleep(emojiSpacing)
		}
		e.advance(fmt.Sprintf("migrated emoji %q", em.Name))
	}
	return nil
}

func (e *Executor) migrateEmoji(ctx context.Context, serverID string, em SourceEmoji, name string) error {
	data, err := e.Target.FetchBytes(ctx, em.URL)
	if err != nil {
		return fmt.Errorf("download emoji image: %w", err)
	}
	if len(data) > maxEmojiBytes {
		return fmt.Errorf("emoji image exceeds %d bytes", maxEmojiBytes)
	}
	filename := name + ".png"
	if em.Animated {
		filename = name + ".gif"
	}
	fileID, err := e.Target.Upload(ctx, targetapi.TagEmojis, filename, data)
	if err != nil {
		return fmt.Errorf("upload emoji: %w", err)
	}
	return e.Target.CreateEmoji(ctx, fileID, name, serverID)
}

func (e *Executor) runMedia(ctx context.Context, serverID string, target targetapi.Server, guild SourceGuild, opts Options) error {
	if guild.IconURL != "" {
		if err := e.migrateMedia(ctx, serverID, guild.IconURL, targetapi.TagIcons, "icon", opts); err != nil {
			e.recordError(fmt.Sprintf("server icon: %v", err))
		}
		e.advance("migrated server icon")
	}
	if guild.BannerURL != "" {
		if err := e.migrateMedia(ctx, serverID, guild.BannerURL, targetapi.TagBanners, "banner", opts); err != nil {
			e.recordError(fmt.Sprintf("server banner: %v", err))
		}
		e.advance("migrated server banner")
	}
	return nil
}

func (e *Executor) migrateMedia(ctx context.Context, serverID, url string, tag targetapi.UploadTag, field string, opts Options) error {
	if opts.DryRun {
		e.logDryRun(fmt.Sprintf("would upload %s", field))
		return nil
	}
	data, err := e.Target.FetchBytes(ctx, url)
	if err != nil {
		return fmt.Errorf("download %s: %w", field, err)
	}
	fileID, err := e.Target.Upload(ctx, tag, field, data)
	if err != nil {
		return fmt.Errorf("upload %s: %w", field, err)
	}
	if err := e.Target.PatchServer(ctx, serverID, map[string]interface{}{field: fileID}); err != nil {
		return fmt.Errorf("patch server %s: %w", field, err)
	}
	e.recordUpdated()
	return nil
}

// ---- progress bookkeeping --------------------------------------------------

func (e *Executor) checkCancel(opts Options) error {
	if opts.Cancel == nil {
		return nil
	}
	select {
	case <-opts.Cancel:
		return ErrCancelled
	default:
		return nil
	}
}

func (e *Executor) advance(action string) {
	e.mu.Lock()
	e.progress.Completed++
	e.progress.CurrentAction = action
	snapshot := e.progress
	e.mu.Unlock()
	if e.onUpdate != nil {
		e.onUpdate(snapshot)
	}
}

func (e *Executor) emit(action string) {
	e.mu.Lock()
	e.progress.CurrentAction = action
	snapshot := e.progress
	e.mu.Unlock()
	if e.onUpdate != nil {
		e.onUpdate(snapshot)
	}
}

func (e *Executor) recordError(msg string) {
	e.mu.Lock()
	e.progress.Errors = append(e.progress.Errors, msg)
	e.mu.Unlock()
}

func (e *Executor) recordWarning(msg string) {
	e.mu.Lock()
	e.progress.Warnings = append(e.progress.Warnings, msg)
	e.mu.Unlock()
}

func (e *Executor) logDryRun(msg string) {
	e.mu.Lock()
	e.progress.DryRunLog = append(e.progress.DryRunLog, msg)
	e.mu.Unlock()
}

func (e *Executor) recordCreated() {
	e.mu.Lock()
	e.progress.Created++
	e.mu.Unlock()
}

func (e *Executor) recordUpdated() {
	e.mu.Lock()
	e.progress.Updated++
	e.mu.Unlock()
}

// ---- helpers --------------------------------------------------------------

const maxNameLength = 32

func truncateName(name string, progress *Progress) string {
	if len(name) <= maxNameLength {
		return name
	}
	progress.Warnings = append(progress.Warnings, fmt.Sprintf("name %q truncated to %d characters", name, maxNameLength))
	return name[:maxNameLength]
}

func uniqueEmojiName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s%d", name, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

var categoryIDCounter uint64

// newCategoryID generates a stable-looking 12-char category id. The
// target platform expects an opaque id here; a counter-seeded suffix
// of a fresh ULID keeps ids unique across a single executor run
// without needing the store.
func newCategoryID() string {
	n := atomic.AddUint64(&categoryIDCounter, 1)
	id := idgen.NewTargetID()
	return fmt.Sprintf("%08d%s", n%1e8, id[len(id)-4:])[:12]
}
