package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/store"
	"github.com/3leaps/gofleet/pkg/store/storetest"
)

func TestTrackWritesPairedEvents(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	rec := NewRecorder(db, "", 42, nil)

	entry := Entry{Action: "delete", ObjectType: "vm", ObjectName: "vm-1", Deployment: "web"}
	err := rec.Track(ctx, entry, func(context.Context) error { return nil })
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, db, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	end, begin := events[0], events[1]
	require.NotNil(t, end.ParentID)
	assert.Equal(t, begin.ID, *end.ParentID)
	assert.Nil(t, begin.ParentID)
	assert.Equal(t, DefaultUser, begin.User)
	assert.Equal(t, "42", end.Task)
	assert.Empty(t, end.Error)
}

func TestTrackRecordsFailure(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	rec := NewRecorder(db, "ops", 0, nil)

	boom := errors.New("cpi exploded")
	err := rec.Track(ctx, Entry{Action: "delete", ObjectType: "disk", ObjectName: "disk-1"},
		func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	events, err := store.ListEvents(ctx, db, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "cpi exploded", events[0].Error)
	assert.Equal(t, "ops", events[0].User)
	assert.Empty(t, events[0].Task)
}

func TestRecordInsideTransaction(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	rec := NewRecorder(db, "", 1, nil)

	err := db.InTx(ctx, func(tx *store.Tx) error {
		_, err := rec.WithQueryer(tx).Record(ctx, Entry{Action: "orphan", ObjectType: "disk", ObjectName: "d"}, nil)
		if err != nil {
			return err
		}
		return errors.New("rollback")
	})
	require.Error(t, err)

	events, err := store.ListEvents(ctx, db, store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
