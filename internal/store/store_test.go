package store_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribixbite/stoatcord-bridge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.Migrate(sqlDB))
	return store.New(sqlDB)
}

func TestServerLink_OneToOneBinding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateServerLink(ctx, store.ServerLink{
		SourceGuildID:      "guild-1",
		TargetServerID:     "server-1",
		LinkedBySourceUser: "user-1",
		AuthMethod:         "new_server",
		CreatedAt:          1,
	}))

	got, err := s.GetServerLinkBySourceGuildID(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "server-1", got.TargetServerID)

	err = s.CreateServerLink(ctx, store.ServerLink{
		SourceGuildID:      "guild-2",
		TargetServerID:     "server-1",
		LinkedBySourceUser: "user-2",
		AuthMethod:         "claim_code",
		CreatedAt:          2,
	})
	assert.ErrorIs(t, err, store.ErrAlreadyLinked)

	_, err = s.GetServerLinkBySourceGuildID(ctx, "guild-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBridgeMessage_UpsertOnSourceID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msg := store.BridgeMessage{
		SourceMessageID: "src-1",
		TargetMessageID: "tgt-1",
		SourceChannelID: "chan-src",
		TargetChannelID: "chan-tgt",
		Direction:       store.DirectionSourceToTarget,
		CreatedAt:       10,
	}
	require.NoError(t, s.StoreBridgeMessage(ctx, msg))

	updated := msg
	updated.TargetMessageID = "tgt-2"
	require.NoError(t, s.StoreBridgeMessage(ctx, updated))

	got, err := s.GetBridgeMessageBySourceID(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, "tgt-2", got.TargetMessageID)

	_, err = s.GetBridgeMessageByTargetID(ctx, "tgt-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	byTarget, err := s.GetBridgeMessageByTargetID(ctx, "tgt-2")
	require.NoError(t, err)
	assert.Equal(t, "src-1", byTarget.SourceMessageID)
}

func TestBridgeMessage_DeleteRemovesBothDirections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.StoreBridgeMessage(ctx, store.BridgeMessage{
		SourceMessageID: "src-1", TargetMessageID: "tgt-1",
		SourceChannelID: "c1", TargetChannelID: "c2",
		Direction: store.DirectionSourceToTarget, CreatedAt: 1,
	}))

	require.NoError(t, s.DeleteBridgeMessageBySourceID(ctx, "src-1"))

	_, err := s.GetBridgeMessageBySourceID(ctx, "src-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetBridgeMessageByTargetID(ctx, "tgt-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsumeClaimCode_AtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateClaimCode(ctx, store.ClaimCode{
		Code:           "ABC234",
		TargetServerID: "server-1",
		CreatedBy:      "user-1",
		CreatedIn:      "guild-1",
		CreatedAt:      1,
	}))

	const racers = 8
	var wg sync.WaitGroup
	successes := make([]bool, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.ConsumeClaimCode(ctx, "ABC234", "guild-racer", "user-racer", int64(100+i))
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, ok := range successes {
		if ok {
			successCount++
		}
	}
	assert.Equal(t, 1, successCount, "exactly one concurrent consumer should win the race")

	_, err := s.ConsumeClaimCode(ctx, "ABC234", "guild-other", "user-other", 200)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsumeClaimCode_UnknownCode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.ConsumeClaimCode(ctx, "NOPE00", "guild-1", "user-1", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChannelLink_CursorUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateChannelLink(ctx, store.ChannelLink{
		SourceChannelID: "src-chan", TargetChannelID: "tgt-chan",
		Active: true, CreatedAt: 1,
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateChannelLinkCursor(ctx, id, "src-msg-5", "tgt-msg-5", 500))

	got, err := s.GetChannelLinkBySourceChannelID(ctx, "src-chan")
	require.NoError(t, err)
	assert.Equal(t, "src-msg-5", got.LastBridgedSourceID.String)
	assert.Equal(t, "tgt-msg-5", got.LastBridgedTargetID.String)
	assert.EqualValues(t, 500, got.LastBridgedAt.Int64)

	links, err := s.ListActiveChannelLinks(ctx)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestInsertArchiveMessages_IgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateArchiveJob(ctx, store.ArchiveJob{
		ID: "job-1", GuildID: "guild-1",
		SourceChannelID: "chan-1", SourceChannelName: "general",
		Direction: store.ArchiveExport, Status: store.ArchivePending,
	}))

	batch := []store.ArchiveMessage{
		{JobID: "job-1", SourceMessageID: "m1", AuthorID: "a1", AuthorName: "Alice", Content: "hi", Timestamp: 1},
		{JobID: "job-1", SourceMessageID: "m2", AuthorID: "a1", AuthorName: "Alice", Content: "yo", Timestamp: 2},
	}
	n, err := s.InsertArchiveMessages(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertArchiveMessages(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-inserting the same page must be a no-op")

	rows, err := s.ListUnimportedArchiveMessages(ctx, "job-1", 50)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestArchiveMessage_ReplyLookupAcrossImports(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateArchiveJob(ctx, store.ArchiveJob{
		ID: "job-1", GuildID: "guild-1",
		SourceChannelID: "chan-1", SourceChannelName: "general",
		Direction: store.ArchiveImport, Status: store.ArchiveRunning,
	}))
	_, err := s.InsertArchiveMessages(ctx, []store.ArchiveMessage{
		{JobID: "job-1", SourceMessageID: "m1", AuthorID: "a1", AuthorName: "Alice", Content: "root", Timestamp: 1},
	})
	require.NoError(t, err)

	_, err = s.LookupImportedTargetMessageID(ctx, "job-1", "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.MarkArchiveMessageImported(ctx, "job-1", "m1", "target-m1", 99))

	got, err := s.LookupImportedTargetMessageID(ctx, "job-1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "target-m1", got)
}

func TestPushDevice_UpsertOnDeviceID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertPushDevice(ctx, store.PushDevice{
		TargetUserID: "user-1", DeviceID: "device-1",
		Transport:       store.TransportWebPush,
		WebPushEndpoint: sql.NullString{String: "https://push.example/abc", Valid: true},
		CreatedAt:       1, UpdatedAt: 1,
	}))
	require.NoError(t, s.UpsertPushDevice(ctx, store.PushDevice{
		TargetUserID: "user-1", DeviceID: "device-1",
		Transport: store.TransportFCM,
		FCMToken:  sql.NullString{String: "fcm-token-xyz", Valid: true},
		CreatedAt: 1, UpdatedAt: 2,
	}))

	devices, err := s.ListPushDevicesByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, store.TransportFCM, devices[0].Transport)
	assert.Equal(t, "fcm-token-xyz", devices[0].FCMToken.String)

	require.NoError(t, s.DeletePushDevice(ctx, "device-1"))
	devices, err = s.ListPushDevicesByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestMigrationRequest_CancelPendingForServer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateMigrationRequest(ctx, store.MigrationRequest{
		RequestID: "req-1", SourceGuildID: "g1", SourceGuildName: "Guild",
		SourceUserID: "u1", SourceUserName: "User",
		TargetServerID: "server-1", TargetChannelID: "chan-1",
		Status: store.MigrationPending, CreatedAt: 1, ExpiresAt: 300,
	}))

	require.NoError(t, s.CancelPendingMigrationRequestsForServer(ctx, "server-1", 50))

	_, err := s.GetMigrationRequestByMessageID(ctx, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetMigrationRequestMessageID(ctx, "req-1", "msg-1"))
	got, err := s.GetMigrationRequestByMessageID(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, store.MigrationCancelled, got.Status)
	assert.Equal(t, int64(50), got.ResolvedAt.Int64)
}
