package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-core/internal/model"
	"github.com/capitalize-ai/chat-core/internal/store"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendText(t *testing.T, s *Store, convID, sender, text string) *model.Message {
	t.Helper()
	msg := &model.Message{ConversationID: convID, SenderID: sender, Content: model.TextContent{Text: text}}
	_, err := s.AppendMessage(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	conv, _, err := s.CreateOrGetPrivate(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Members)
}

func TestCreateOrGetPrivateConcurrentYieldsOneConversation(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	const callers = 20
	ids := make([]string, callers)
	created := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, isNew, err := s.CreateOrGetPrivate(ctx, a, b)
			assert.NoError(t, err)
			if conv != nil {
				ids[i] = conv.ID
				created[i] = isNew
			}
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount)
	assert.NotEmpty(t, ids[0])
}

func TestCreateOrGetPrivateRejectsSelf(t *testing.T) {
	s := openTempStore(t)
	_, _, err := s.CreateOrGetPrivate(context.Background(), "alice", "alice")
	require.Error(t, err)
}

func TestCreateGroupIncludesOwnerAndDedupes(t *testing.T) {
	s := openTempStore(t)
	conv, err := s.CreateGroup(context.Background(), "owner", "team", []string{"m1", "m1", " m2 "})
	require.NoError(t, err)

	assert.Equal(t, model.KindGroup, conv.Kind)
	assert.Equal(t, "owner", conv.OwnerID)
	assert.Equal(t, "team", conv.Name)
	assert.Equal(t, []string{"m1", "m2", "owner"}, conv.Members)
}

func TestHistoryPaginatesWithoutGapsOrDuplicates(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	var want []string
	for i := 0; i < 100; i++ {
		want = append(want, appendText(t, s, conv.ID, "alice", fmt.Sprintf("m%d", i)).ID)
	}

	var got []string
	before := ""
	pages := 0
	for {
		page, err := s.History(ctx, conv.ID, "bob", before, 30)
		require.NoError(t, err)
		pages++
		for _, m := range page.Items {
			got = append(got, m.ID)
		}
		if !page.HasMore {
			break
		}
		before = page.NextBefore
	}

	assert.Equal(t, 4, pages)
	require.Len(t, got, 100)
	for i := range got {
		assert.Equal(t, want[99-i], got[i], "position %d", i)
	}
}

func TestHistoryPaginationUnderConcurrentAppends(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	const writers, perWriter = 10, 10
	ids := make(chan string, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := &model.Message{ConversationID: conv.ID, SenderID: "alice", Content: model.TextContent{Text: fmt.Sprintf("w%d-%d", w, i)}}
				if _, err := s.AppendMessage(ctx, msg); err != nil {
					t.Errorf("append: %v", err)
					return
				}
				ids <- msg.ID
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	want := make(map[string]bool, writers*perWriter)
	for id := range ids {
		want[id] = true
	}
	require.Len(t, want, writers*perWriter)

	seen := make(map[string]int)
	var got []string
	before := ""
	for {
		page, err := s.History(ctx, conv.ID, "bob", before, 30)
		require.NoError(t, err)
		for _, m := range page.Items {
			seen[m.ID]++
			got = append(got, m.ID)
		}
		if !page.HasMore {
			break
		}
		before = page.NextBefore
		// Newer messages land above the cursor and must not shift later pages.
		appendText(t, s, conv.ID, "bob", "between pages")
	}

	require.Len(t, got, writers*perWriter)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i], got[i-1], "position %d", i)
	}
	for id := range want {
		assert.Equal(t, 1, seen[id], id)
	}
}

func TestHistoryClampsLimit(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)
	for i := 0; i < 35; i++ {
		appendText(t, s, conv.ID, "alice", "x")
	}

	page, err := s.History(ctx, conv.ID, "alice", "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Items, store.DefaultHistoryLimit)
	assert.True(t, page.HasMore)
}

func TestDeleteForViewerHidesOnlyForThatViewer(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)
	keep := appendText(t, s, conv.ID, "alice", "keep")
	hide := appendText(t, s, conv.ID, "alice", "hide")

	require.NoError(t, s.DeleteForViewer(ctx, hide.ID, "bob"))
	require.NoError(t, s.DeleteForViewer(ctx, hide.ID, "bob"))

	bobView, err := s.History(ctx, conv.ID, "bob", "", 10)
	require.NoError(t, err)
	require.Len(t, bobView.Items, 1)
	assert.Equal(t, keep.ID, bobView.Items[0].ID)

	aliceView, err := s.History(ctx, conv.ID, "alice", "", 10)
	require.NoError(t, err)
	assert.Len(t, aliceView.Items, 2)

	assert.ErrorIs(t, s.DeleteForViewer(ctx, "missing", "bob"), store.ErrNotFound)
}

func TestRecallMessageSenderOnlyAndOnce(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)
	msg := appendText(t, s, conv.ID, "alice", "oops")

	_, _, err = s.RecallMessage(ctx, msg.ID, "bob", time.Now())
	assert.ErrorIs(t, err, store.ErrNotSender)

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, changed, err := s.RecallMessage(ctx, msg.ID, "alice", first)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, got.RecalledAt)
	assert.True(t, first.Equal(*got.RecalledAt))

	again, changed, err := s.RecallMessage(ctx, msg.ID, "alice", first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, first.Equal(*again.RecalledAt))

	_, _, err = s.RecallMessage(ctx, "missing", "alice", first)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendMessageBumpsConversation(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	msg := &model.Message{ConversationID: conv.ID, SenderID: "alice", Content: model.ImageContent{Image: "/u/cat.png"}}
	updatedAt, err := s.AppendMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, updatedAt.After(conv.UpdatedAt))
	assert.NotEmpty(t, msg.ID)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, msg.ID, got.LastMessage.ID)
	assert.Equal(t, model.ImageContent{Image: "/u/cat.png"}, got.LastMessage.Content)

	_, err = s.AppendMessage(ctx, &model.Message{ConversationID: "missing", SenderID: "alice", Content: model.TextContent{Text: "x"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListConversationsOrderAndCursor(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	var convs []*model.Conversation
	for i := 0; i < 5; i++ {
		conv, _, err := s.CreateOrGetPrivate(ctx, "alice", fmt.Sprintf("friend%d", i))
		require.NoError(t, err)
		convs = append(convs, conv)
	}
	// Activity on the oldest moves it to the top.
	appendText(t, s, convs[0].ID, "alice", "hello")

	first, err := s.ListConversations(ctx, "alice", "", 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, convs[0].ID, first.Items[0].ID)
	require.NotEmpty(t, first.NextCursor)

	seen := map[string]bool{}
	for _, c := range first.Items {
		seen[c.ID] = true
	}
	cursor := first.NextCursor
	for cursor != "" {
		page, err := s.ListConversations(ctx, "alice", cursor, 2)
		require.NoError(t, err)
		for _, c := range page.Items {
			assert.False(t, seen[c.ID], "duplicate %s", c.ID)
			seen[c.ID] = true
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)

	bobs, err := s.ListConversations(ctx, "friend3", "", 10)
	require.NoError(t, err)
	assert.Len(t, bobs.Items, 1)

	_, err = s.ListConversations(ctx, "alice", "%%%", 10)
	assert.ErrorIs(t, err, store.ErrInvalidCursor)
}

func TestGroupMembershipOperations(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	group, err := s.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)

	added, conv, err := s.AddMembers(ctx, group.ID, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, added)
	assert.Equal(t, []string{"m1", "m2", "m3", "owner"}, conv.Members)

	_, err = s.RemoveMember(ctx, group.ID, "owner")
	assert.ErrorIs(t, err, store.ErrOwnerImmutable)

	_, err = s.RemoveMember(ctx, group.ID, "stranger")
	assert.ErrorIs(t, err, store.ErrNotMember)

	conv, err = s.RemoveMember(ctx, group.ID, "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3", "owner"}, conv.Members)

	ok, err := s.IsMember(ctx, group.ID, "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	renamed, err := s.RenameGroup(ctx, group.ID, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", renamed.Name)
}

func TestPrivateConversationRejectsGroupOperations(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.RenameGroup(ctx, conv.ID, "x")
	assert.ErrorIs(t, err, store.ErrNotGroup)
	_, _, err = s.AddMembers(ctx, conv.ID, []string{"carol"})
	assert.ErrorIs(t, err, store.ErrNotGroup)
	_, err = s.DeleteGroup(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotGroup)
}

func TestDeleteGroupKeepsMessagesButHidesConversation(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	group, err := s.CreateGroup(ctx, "owner", "team", []string{"m1"})
	require.NoError(t, err)
	msg := appendText(t, s, group.ID, "m1", "bye")

	members, err := s.DeleteGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "owner"}, members)

	_, err = s.GetConversation(ctx, group.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	ok, err := s.IsMember(ctx, group.ID, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.NoError(t, err)
}

func TestTouchConversationAdvancesUpdatedAt(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	conv, _, err := s.CreateOrGetPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	first, err := s.TouchConversation(ctx, conv.ID)
	require.NoError(t, err)
	second, err := s.TouchConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, first.After(conv.UpdatedAt))
	assert.True(t, second.After(first))

	_, err = s.TouchConversation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExtractUpMigration(t *testing.T) {
	got := extractUpMigration("-- +migrate Up\nCREATE TABLE a (id INT);\n-- +migrate Down\nDROP TABLE a;")
	assert.Equal(t, "\nCREATE TABLE a (id INT);\n", got)
	assert.Equal(t, "SELECT 1;", extractUpMigration("SELECT 1;"))
}
