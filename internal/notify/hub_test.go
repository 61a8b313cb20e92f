package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversPerUser(t *testing.T) {
	h := NewHub()
	alice, cancelAlice := h.Subscribe("alice", 4)
	defer cancelAlice()
	bob, cancelBob := h.Subscribe("bob", 4)
	defer cancelBob()

	h.Notify(Notice{UserID: "alice", TaskID: "t1", Message: "could not save"})
	h.Refresh(Signal{UserID: "bob", TaskID: "t2", Status: "done"})

	select {
	case msg := <-alice:
		require.Equal(t, KindNotice, msg.Kind)
		assert.Equal(t, "t1", msg.Notice.TaskID)
		assert.False(t, msg.Notice.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("alice got nothing")
	}
	select {
	case msg := <-bob:
		require.Equal(t, KindRefresh, msg.Kind)
		assert.Equal(t, "done", msg.Refresh.Status)
	case <-time.After(time.Second):
		t.Fatal("bob got nothing")
	}
	assert.Len(t, alice, 0)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	dropped := 0
	h.OnDrop = func(string, Message) { dropped++ }
	ch, cancel := h.Subscribe("alice", 1)
	h.Notify(Notice{UserID: "alice", Message: "one"})
	h.Notify(Notice{UserID: "alice", Message: "two"})
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "one", (<-ch).Notice.Message)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("alice"))
}
