package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

func offline(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{Token: "1:test", Offline: true}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}

func TestToEventGroupReply(t *testing.T) {
	a := offline(t)
	m := &tele.Message{
		ID:     10,
		Text:   "/ping",
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender: &tele.User{ID: 7, FirstName: "Ana", LastName: "Lee"},
		ReplyTo: &tele.Message{
			ID:      9,
			Caption: "photo caption",
			Sender:  &tele.User{ID: 8},
		},
	}
	ev, ok := a.toEvent(m)
	require.True(t, ok)
	assert.True(t, ev.IsGroup)
	assert.Equal(t, int64(-100), ev.ChatID)
	assert.Equal(t, int64(7), ev.SenderID)
	assert.Equal(t, "Ana Lee", ev.SenderName)
	require.True(t, ev.IsQuoted())
	assert.Equal(t, "photo caption", ev.Quoted.Text)
	assert.Equal(t, int64(8), ev.Quoted.SenderID)
	assert.NotNil(t, ev.Responder)
}

func TestToEventPrivate(t *testing.T) {
	a := offline(t)
	ev, ok := a.toEvent(&tele.Message{
		ID: 1, Text: "hi",
		Chat:   &tele.Chat{ID: 7, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 7, Username: "ana"},
	})
	require.True(t, ok)
	assert.False(t, ev.IsGroup)
	assert.False(t, ev.IsQuoted())
	assert.Equal(t, "ana", ev.SenderName)

	_, ok = a.toEvent(&tele.Message{ID: 2, Chat: &tele.Chat{ID: 1}})
	assert.False(t, ok)
}

func TestDeliverDropsWhenFull(t *testing.T) {
	a := offline(t)
	out := make(chan transport.Event, 1)
	a.out.Store((chan<- transport.Event)(out))

	a.deliver(transport.Event{ID: 1})
	a.deliver(transport.Event{ID: 2})
	assert.Equal(t, uint64(1), a.dropped.Load())
	assert.Equal(t, 1, (<-out).ID)
}

// botAPI is a fake Bot API endpoint recording every call.
type botAPI struct {
	mu    sync.Mutex
	calls []apiCall
	// reply returns the JSON body for one call.
	reply func(c apiCall) string
}

type apiCall struct {
	method string
	params map[string]string
}

func (f *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params map[string]string
	_ = json.NewDecoder(r.Body).Decode(&params)
	c := apiCall{method: path.Base(r.URL.Path), params: params}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	_, _ = io.WriteString(w, f.reply(c))
}

func (f *botAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func withAPI(t *testing.T, reply func(c apiCall) string) (*Adapter, *botAPI) {
	t.Helper()
	api := &botAPI{reply: reply}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "1:test", APIURL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)
	return a, api
}

const sentOK = `{"ok":true,"result":{"message_id":9,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`

func TestReplyQuotesFirstChunkOnly(t *testing.T) {
	a, api := withAPI(t, func(apiCall) string { return sentOK })
	r := &responder{a: a, chatID: -100, threadID: 4, msgID: 7}

	require.NoError(t, r.Reply(context.Background(), strings.Repeat("a", textLimit)+"\n"+"tail"))

	calls := api.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Equal(t, "-100", calls[0].params["chat_id"])
	assert.Equal(t, "Markdown", calls[0].params["parse_mode"])
	assert.Equal(t, "4", calls[0].params["message_thread_id"])
	assert.Equal(t, "7", calls[0].params["reply_to_message_id"])
	assert.Equal(t, "true", calls[0].params["allow_sending_without_reply"])
	assert.Equal(t, "tail", calls[1].params["text"])
	assert.Empty(t, calls[1].params["reply_to_message_id"])
}

func TestReplyFallsBackToPlain(t *testing.T) {
	a, api := withAPI(t, func(c apiCall) string {
		if c.params["parse_mode"] != "" {
			return `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`
		}
		return sentOK
	})
	r := &responder{a: a, chatID: 5, msgID: 1}

	require.NoError(t, r.Reply(context.Background(), "*broken"))

	calls := api.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "Markdown", calls[0].params["parse_mode"])
	assert.Empty(t, calls[1].params["parse_mode"])
	assert.Equal(t, "*broken", calls[1].params["text"])
}

func TestReactSetsEmoji(t *testing.T) {
	a, api := withAPI(t, func(apiCall) string { return `{"ok":true,"result":true}` })
	r := &responder{a: a, chatID: -100, msgID: 42}

	require.NoError(t, r.React(context.Background(), "✅"))

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "setMessageReaction", calls[0].method)
	assert.Equal(t, "42", calls[0].params["message_id"])
	assert.JSONEq(t, `[{"type":"emoji","emoji":"✅"}]`, calls[0].params["reaction"])
}

func TestResolveMembership(t *testing.T) {
	status := map[string]string{"1": "creator", "2": "administrator", "3": "member"}
	a, api := withAPI(t, func(c apiCall) string {
		if c.params["user_id"] == "4" {
			return `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`
		}
		return `{"ok":true,"result":{"status":"` + status[c.params["user_id"]] + `","user":{"id":1}}}`
	})
	ctx := context.Background()

	for id, admin := range map[int64]bool{1: true, 2: true, 3: false} {
		m, err := a.ResolveMembership(ctx, -100, id)
		require.NoError(t, err)
		assert.Equal(t, admin, m.IsAdmin, "user %d", id)
	}

	_, err := a.ResolveMembership(ctx, -100, 4)
	assert.ErrorContains(t, err, "chat not found")
	assert.Equal(t, "getChatMember", api.recorded()[0].method)
	assert.Equal(t, "-100", api.recorded()[0].params["chat_id"])
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(long, 10))

	parts := splitText(strings.Repeat("日", 25), 10)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 10)
	}
}

func TestStopWithoutStart(t *testing.T) {
	a := offline(t)
	assert.NoError(t, a.Stop(context.Background()))
	assert.Zero(t, a.SelfID())
}
