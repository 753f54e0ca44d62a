package chat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/alexjbarnes/clinic-sync/internal/models"
)

type recordedPeer struct {
	last int64
}

func (r *recordedPeer) SetLastPeer(id int64) error {
	r.last = id
	return nil
}

func newTestMessenger(t *testing.T, role Role, self int64) (*Messenger, *fakeConversations, *fakeBackend, map[int64]*fakePush) {
	t.Helper()

	convs := newFakeConversations()
	api := newFakeBackend(0)
	pushes := map[int64]*fakePush{}

	m := NewMessenger(MessengerConfig{
		Self:     self,
		Role:     role,
		API:      api,
		Resolver: newTestResolver(t, convs, nil),
		NewPush: func(id int64) PushRunner {
			p := newFakePush()
			pushes[id] = p

			return p
		},
		Stager: NewStager(filepath.Join(t.TempDir(), "staging"), 0),
		Board:  NewUnreadBoard(),
		Peers:  &recordedPeer{},
		Logger: discardLogger(),
	})

	t.Cleanup(m.Close)

	return m, convs, api, pushes
}

func TestMessenger_OpenOrdersPairByRole(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m, convs, _, _ := newTestMessenger(t, RoleDoctor, 2)
		convs.rows[[2]int64{5, 2}] = models.Conversation{ID: 9, PatientID: 5, DoctorID: 2}

		s, err := m.Open(context.Background(), 5)
		require.NoError(t, err)

		assert.Equal(t, int64(9), s.Conversation().ID)
		assert.Same(t, s, m.Active())
		assert.Equal(t, int64(5), m.cfg.Peers.(*recordedPeer).last)
	})
}

func TestMessenger_SwitchTearsDownPrevious(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m, _, _, pushes := newTestMessenger(t, RolePatient, 1)

		first, err := m.Open(context.Background(), 2)
		require.NoError(t, err)

		second, err := m.Open(context.Background(), 3)
		require.NoError(t, err)

		select {
		case <-first.Done():
		default:
			t.Fatal("first session still running")
		}

		select {
		case <-pushes[first.Conversation().ID].exited:
		default:
			t.Fatal("first push channel still running")
		}

		assert.NotEqual(t, first.Conversation().ID, second.Conversation().ID)
		assert.Same(t, second, m.Active())
	})
}

func TestMessenger_PreconditionFailureKeepsCurrent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m, convs, _, _ := newTestMessenger(t, RolePatient, 1)

		first, err := m.Open(context.Background(), 2)
		require.NoError(t, err)

		convs.appointments = false
		_, err = m.Open(context.Background(), 3)
		require.ErrorIs(t, err, chaterrors.ErrPreconditionFailed)

		assert.Same(t, first, m.Active())
	})
}

func TestMessenger_CloseResetsBoard(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m, _, _, _ := newTestMessenger(t, RolePatient, 1)

		s, err := m.Open(context.Background(), 2)
		require.NoError(t, err)

		m.cfg.Board.Set(s.Conversation().ID, 4)
		m.Close()

		assert.Nil(t, m.Active())
		assert.Equal(t, 0, m.cfg.Board.Total())
	})
}

func TestMessenger_SendFileWithoutSession(t *testing.T) {
	m, _, _, _ := newTestMessenger(t, RolePatient, 1)

	_, err := m.SendFile(context.Background(), "/nonexistent", "")
	assert.ErrorIs(t, err, chaterrors.ErrSessionClosed)
}

func TestMessenger_SendFile(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m, _, api, _ := newTestMessenger(t, RolePatient, 1)

		_, err := m.Open(context.Background(), 2)
		require.NoError(t, err)

		src := filepath.Join(t.TempDir(), "xray.png")
		require.NoError(t, os.WriteFile(src, []byte("png"), 0o600))

		msg, err := m.SendFile(context.Background(), src, "")
		require.NoError(t, err)
		assert.Equal(t, "https://files.example.com/3/xray.png", msg.AttachmentURL)

		_, uploads, _ := api.counts()
		assert.Equal(t, 1, uploads)

		entries, err := os.ReadDir(m.cfg.Stager.dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "staged copy released")
	})
}

func TestMessenger_SendFileOversizedMakesNoNetworkCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m, _, api, _ := newTestMessenger(t, RolePatient, 1)

		s, err := m.Open(context.Background(), 2)
		require.NoError(t, err)
		synctest.Wait()

		src := filepath.Join(t.TempDir(), "mri.dcm")
		f, err := os.Create(src)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		require.NoError(t, os.Truncate(src, 11*1024*1024))

		before := api.networkCalls()

		_, err = m.SendFile(context.Background(), src, "scan")
		require.ErrorIs(t, err, chaterrors.ErrAttachmentTooLarge)

		assert.Equal(t, before, api.networkCalls(), "rejected before any request")
		assert.Empty(t, s.Messages(), "no optimistic entry")

		_, statErr := os.Stat(m.cfg.Stager.dir)
		assert.True(t, os.IsNotExist(statErr), "nothing staged")
	})
}
