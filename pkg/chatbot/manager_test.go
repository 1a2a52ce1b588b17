package chatbot

import (
	"context"
	"fmt"
	"strings"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/letterbot/pkg/conversation"
	"github.com/go-go-golems/letterbot/pkg/events"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/gemini"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/settings"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/types"
	genai "github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInstruction = "You are a warm pastoral letter writer."

// replyFunc computes the model reply for the history the session was started
// with and the new user text.
type replyFunc func(history []*genai.Content, text string) (string, error)

type fakeFactory struct {
	mu     sync.Mutex
	reply  replyFunc
	err    error
	models []*fakeModel
}

func (f *fakeFactory) NewModel(ctx context.Context) (gemini.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m := &fakeModel{factory: f}
	f.models = append(f.models, m)
	return m, nil
}

func (f *fakeFactory) built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.models)
}

// outbound returns every request sent through any model built by f: the
// session history followed by the new user turn.
func (f *fakeFactory) outbound() [][]*genai.Content {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ret [][]*genai.Content
	for _, m := range f.models {
		ret = append(ret, m.requests...)
	}
	return ret
}

type fakeModel struct {
	factory  *fakeFactory
	requests [][]*genai.Content
	closed   bool
	inFlight int32
}

func (m *fakeModel) Name() string {
	return "fake"
}

func (m *fakeModel) StartChat(history []*genai.Content) gemini.Session {
	return &fakeSession{model: m, history: gemini.CloneContents(history)}
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

type fakeSession struct {
	model   *fakeModel
	history []*genai.Content
}

func userContent(text string) *genai.Content {
	return &genai.Content{Role: gemini.RoleUser, Parts: []genai.Part{genai.Text(text)}}
}

func modelContent(text string) *genai.Content {
	return &genai.Content{Role: gemini.RoleModel, Parts: []genai.Part{genai.Text(text)}}
}

func (s *fakeSession) Send(ctx context.Context, text string) (string, error) {
	if atomic.AddInt32(&s.model.inFlight, 1) > 1 {
		panic("concurrent requests on one conversation")
	}
	defer atomic.AddInt32(&s.model.inFlight, -1)

	request := append(gemini.CloneContents(s.history), userContent(text))
	s.model.factory.mu.Lock()
	s.model.requests = append(s.model.requests, request)
	reply := s.model.factory.reply
	s.model.factory.mu.Unlock()

	if reply == nil {
		reply = echoReply
	}
	out, err := reply(s.history, text)
	if err != nil {
		return "", err
	}
	s.history = append(s.history, userContent(text), modelContent(out))
	return out, nil
}

func (s *fakeSession) SendStream(ctx context.Context, text string, onDelta func(delta string) error) (string, error) {
	out, err := s.Send(ctx, text)
	if err != nil {
		return "", err
	}
	for _, w := range strings.SplitAfter(out, " ") {
		if w == "" {
			continue
		}
		if err := onDelta(w); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (s *fakeSession) History() []*genai.Content {
	return s.history
}

func echoReply(history []*genai.Content, text string) (string, error) {
	return "reply to " + text, nil
}

func testSettings() *settings.StepSettings {
	s := settings.NewStepSettings()
	s.API.APIKeys[types.ApiTypeGemini.APIKeyName()] = "test-key"
	return s
}

func newTestManager(t *testing.T, f *fakeFactory, options ...Option) *Manager {
	options = append([]Option{WithModelFactory(f)}, options...)
	m, err := NewManager(testSettings(), options...)
	require.NoError(t, err)
	return m
}

func texts(contents []*genai.Content) []string {
	ret := make([]string, 0, len(contents))
	for _, c := range contents {
		ret = append(ret, c.Role+":"+gemini.ContentText(c))
	}
	return ret
}

func TestFirstExchange(t *testing.T) {
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		return "Hello! How can I help you today?", nil
	}}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))
	assert.Equal(t, StateUninitialized, m.State())

	reply := m.GetResponse(context.Background(), "Hi")
	assert.Equal(t, "Hello! How can I help you today?", reply)
	assert.Equal(t, StateActive, m.State())

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role())
	assert.Equal(t, "Hi", msgs[0].Text())
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role())
	assert.Equal(t, reply, msgs[1].Text())
	assert.False(t, msgs[1].IsError())

	assert.Equal(t, []string{
		"user:Hi",
		"model:Hello! How can I help you today?",
	}, texts(m.ProviderHistory()))

	requests := f.outbound()
	require.Len(t, requests, 1)
	assert.Equal(t, []string{
		"user:" + testInstruction,
		"model:" + gemini.DefaultAcknowledgement,
		"user:Hi",
	}, texts(requests[0]))
}

func TestMissingAPIKey(t *testing.T) {
	m, err := NewManager(settings.NewStepSettings(), WithModelFactory(&fakeFactory{}))
	require.Error(t, err)
	assert.Nil(t, m)
	assert.True(t, errors.Is(err, settings.ErrMissingAPIKey))
}

func TestNilSettings(t *testing.T) {
	_, err := NewManager(nil)
	require.Error(t, err)
}

func TestRemoteFailureIsReturnedAsText(t *testing.T) {
	fail := true
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		if fail {
			return "", errors.New("quota exceeded")
		}
		return "better now", nil
	}}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))

	reply := m.GetResponse(context.Background(), "Hi")
	assert.Equal(t, "Error getting chat response: quota exceeded", reply)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsError())
	assert.Equal(t, reply, msgs[1].Text())
	assert.Empty(t, m.ProviderHistory())

	fail = false
	reply = m.GetResponse(context.Background(), "Again")
	assert.Equal(t, "better now", reply)
	assert.Len(t, m.Messages(), 4)

	// the failed exchange is never sent to the provider
	requests := f.outbound()
	require.Len(t, requests, 2)
	assert.Equal(t, []string{
		"user:" + testInstruction,
		"model:" + gemini.DefaultAcknowledgement,
		"user:Again",
	}, texts(requests[1]))
	assert.Equal(t, []string{"user:Again", "model:better now"}, texts(m.ProviderHistory()))
}

func TestModelInitializationFailure(t *testing.T) {
	f := &fakeFactory{err: errors.New("bad endpoint")}
	m := newTestManager(t, f)

	reply := m.GetResponse(context.Background(), "Hi")
	assert.True(t, strings.HasPrefix(reply, ErrorReplyPrefix))
	assert.Contains(t, reply, "bad endpoint")
	assert.Equal(t, StateUninitialized, m.State())
	assert.Len(t, m.Messages(), 2)

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()

	assert.Equal(t, "reply to Hi", m.GetResponse(context.Background(), "Hi"))
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, 1, f.built())
}

func TestContextCarriesPriorExchanges(t *testing.T) {
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		if text == "What did I just ask?" {
			for _, c := range history {
				if c.Role == gemini.RoleUser && gemini.ContentText(c) == "What is grace?" {
					return "You asked about grace.", nil
				}
			}
			return "I don't know.", nil
		}
		return "Grace is unmerited favour.", nil
	}}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))

	m.GetResponse(context.Background(), "What is grace?")
	reply := m.GetResponse(context.Background(), "What did I just ask?")
	assert.Equal(t, "You asked about grace.", reply)

	requests := f.outbound()
	require.Len(t, requests, 2)
	assert.Equal(t, []string{
		"user:" + testInstruction,
		"model:" + gemini.DefaultAcknowledgement,
		"user:What is grace?",
		"model:Grace is unmerited favour.",
		"user:What did I just ask?",
	}, texts(requests[1]))

	// only one model is built for the whole conversation
	assert.Equal(t, 1, f.built())
}

func TestClearHistory(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))

	for i := 0; i < 3; i++ {
		m.GetResponse(context.Background(), fmt.Sprintf("message %d", i))
	}
	require.Len(t, m.Messages(), 6)

	m.ClearHistory()
	assert.Empty(t, m.Messages())
	assert.Empty(t, m.ProviderHistory())
	assert.Equal(t, StateUninitialized, m.State())
	instruction, ok := m.SystemInstruction()
	assert.True(t, ok)
	assert.Equal(t, testInstruction, instruction)

	m.GetResponse(context.Background(), "fresh start")

	require.Equal(t, 2, f.built())
	assert.True(t, f.models[0].closed)
	requests := f.outbound()
	assert.Equal(t, []string{
		"user:" + testInstruction,
		"model:" + gemini.DefaultAcknowledgement,
		"user:fresh start",
	}, texts(requests[len(requests)-1]))
}

func TestClearHistoryOnFreshManager(t *testing.T) {
	m := newTestManager(t, &fakeFactory{})
	m.ClearHistory()
	assert.Empty(t, m.Messages())
	assert.Equal(t, StateUninitialized, m.State())
}

func TestInstructionPrecedesEveryRequest(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)

	m.GetResponse(context.Background(), "before")
	m.SetSystemInstruction(testInstruction)
	m.GetResponse(context.Background(), "after")
	m.SetSystemInstruction("Answer in verse.")
	m.GetResponse(context.Background(), "replaced")

	requests := f.outbound()
	require.Len(t, requests, 3)

	assert.Equal(t, []string{"user:before"}, texts(requests[0]))
	assert.Equal(t, []string{
		"user:" + testInstruction,
		"model:" + gemini.DefaultAcknowledgement,
		"user:before",
		"model:reply to before",
		"user:after",
	}, texts(requests[1]))
	assert.Equal(t, []string{
		"user:Answer in verse.",
		"model:" + gemini.DefaultAcknowledgement,
		"user:before",
		"model:reply to before",
		"user:after",
		"model:reply to after",
		"user:replaced",
	}, texts(requests[2]))

	// the instruction never leaks into the stored history
	for _, c := range m.ProviderHistory() {
		assert.NotEqual(t, testInstruction, gemini.ContentText(c))
	}
}

func TestEmptyInstructionRemovesPreamble(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))
	m.SetSystemInstruction("")

	_, ok := m.SystemInstruction()
	assert.False(t, ok)

	m.GetResponse(context.Background(), "Hi")
	assert.Equal(t, []string{"user:Hi"}, texts(f.outbound()[0]))
}

func TestCustomAcknowledgement(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f,
		WithSystemInstruction(testInstruction),
		WithAcknowledgement("Yes."),
	)
	m.GetResponse(context.Background(), "Hi")
	assert.Equal(t, "model:Yes.", texts(f.outbound()[0])[1])
}

func TestUserTurnsMatchDisplayHistory(t *testing.T) {
	calls := 0
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		calls++
		if calls%3 == 0 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))

	for i := 0; i < 7; i++ {
		m.GetResponse(context.Background(), fmt.Sprintf("q%d", i))
	}

	userTurns := countRole(conversation.SuccessfulExchanges(m.Messages()), conversation.RoleUser)
	history := m.ProviderHistory()
	assert.Equal(t, userTurns, countContentRole(history, gemini.RoleUser))
	assert.Equal(t, userTurns, countContentRole(history, gemini.RoleModel))
	assert.Equal(t, 7, countRole(m.Messages(), conversation.RoleUser))
}

func countRole(msgs []conversation.Message, role conversation.Role) int {
	n := 0
	for _, msg := range msgs {
		if msg.Role() == role {
			n++
		}
	}
	return n
}

func countContentRole(history []*genai.Content, role string) int {
	n := 0
	for _, c := range history {
		if c.Role == role {
			n++
		}
	}
	return n
}

func TestEmptyUserText(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f)
	assert.Equal(t, "reply to ", m.GetResponse(context.Background(), ""))
	assert.Equal(t, []string{"user:"}, texts(f.outbound()[0]))
}

func TestDivergentProviderHistoryIsRebuilt(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))
	m.GetResponse(context.Background(), "one")

	// a provider that forgets everything but the last exchange
	m.mu.Lock()
	m.model = &forgetfulModel{}
	m.mu.Unlock()

	assert.Equal(t, "forgot", m.GetResponse(context.Background(), "two"))
	assert.Equal(t, []string{
		"user:one",
		"model:reply to one",
		"user:two",
		"model:forgot",
	}, texts(m.ProviderHistory()))
}

func TestDivergentRebuildSkipsFailedExchanges(t *testing.T) {
	fail := false
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		if fail {
			return "", errors.New("transient")
		}
		return "reply to " + text, nil
	}}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))
	m.GetResponse(context.Background(), "one")
	fail = true
	m.GetResponse(context.Background(), "two")

	// the stored provider history is lost and the provider forgets as well
	m.mu.Lock()
	m.providerHistory = nil
	m.model = &forgetfulModel{}
	m.mu.Unlock()

	assert.Equal(t, "forgot", m.GetResponse(context.Background(), "three"))
	assert.Equal(t, []string{
		"user:one",
		"model:reply to one",
		"user:three",
		"model:forgot",
	}, texts(m.ProviderHistory()))
	assert.Len(t, m.Messages(), 6)
}

type forgetfulModel struct{}

func (forgetfulModel) Name() string { return "forgetful" }
func (forgetfulModel) Close() error { return nil }
func (forgetfulModel) StartChat(history []*genai.Content) gemini.Session {
	return &forgetfulSession{}
}

type forgetfulSession struct {
	history []*genai.Content
}

func (s *forgetfulSession) Send(ctx context.Context, text string) (string, error) {
	s.history = []*genai.Content{userContent(text), modelContent("forgot")}
	return "forgot", nil
}

func (s *forgetfulSession) SendStream(ctx context.Context, text string, onDelta func(string) error) (string, error) {
	return s.Send(ctx, text)
}

func (s *forgetfulSession) History() []*genai.Content {
	return s.history
}

func TestGetResponseStream(t *testing.T) {
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		return "grace and peace", nil
	}}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))

	var deltas []string
	reply := m.GetResponseStream(context.Background(), "Hi", func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	assert.Equal(t, "grace and peace", reply)
	assert.Equal(t, []string{"grace ", "and ", "peace"}, deltas)
	assert.Equal(t, []string{"user:Hi", "model:grace and peace"}, texts(m.ProviderHistory()))
}

func TestGetResponseStreamAborted(t *testing.T) {
	m := newTestManager(t, &fakeFactory{})

	reply := m.GetResponseStream(context.Background(), "Hi", func(delta string) error {
		return errors.New("client went away")
	})
	assert.Equal(t, "Error getting chat response: client went away", reply)
	assert.Empty(t, m.ProviderHistory())
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsError())
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		time.Sleep(time.Millisecond)
		return "ok " + text, nil
	}}
	m := newTestManager(t, f, WithSystemInstruction(testInstruction))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.GetResponse(context.Background(), fmt.Sprintf("q%d", i))
		}(i)
	}
	wg.Wait()

	msgs := m.Messages()
	require.Len(t, msgs, 16)
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, conversation.RoleUser, msgs[i].Role())
		assert.Equal(t, "ok "+msgs[i].Text(), msgs[i+1].Text())
	}
	assert.Len(t, m.ProviderHistory(), 16)
}

func TestEventsArePublished(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 32}, watermill.NopLogger{})
	defer func() { _ = pubSub.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := pubSub.Subscribe(ctx, events.ChatTopic)
	require.NoError(t, err)

	pm := events.NewPublisherManager()
	pm.RegisterPublisher(events.ChatTopic, pubSub)

	fail := false
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "a b", nil
	}}
	m := newTestManager(t, f, WithPublisherManager(pm), WithSessionID("session-1"))
	assert.Equal(t, "session-1", m.SessionID())

	m.GetResponseStream(ctx, "Hi", nil)
	fail = true
	m.GetResponse(ctx, "Hi again")

	expected := []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
		events.EventTypeStart,
		events.EventTypeError,
	}

	// gochannel does not guarantee delivery order, the sequence number does
	received := map[uint64]events.Event{}
	for len(received) < len(expected) {
		select {
		case msg := <-msgs:
			msg.Ack()
			seq, err := strconv.ParseUint(msg.Metadata.Get(events.SequenceNumberMetadataKey), 10, 64)
			require.NoError(t, err)
			ev, err := events.NewEventFromJson(msg.Payload)
			require.NoError(t, err)
			received[seq] = ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}

	for i, et := range expected {
		ev, ok := received[uint64(i)]
		require.True(t, ok, "missing event %d", i)
		assert.Equal(t, et, ev.Type())
		assert.Equal(t, "session-1", ev.Metadata().SessionID)
		assert.Equal(t, "fake", ev.Metadata().Model)
		if et == events.EventTypeError {
			e, ok := ev.(*events.EventError)
			require.True(t, ok)
			assert.Equal(t, "boom", e.ErrorString)
			assert.Equal(t, "Error getting chat response: boom", e.Text)
		}
	}
}

func TestModelInitializationFailureEventUsesConfiguredEngine(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer func() { _ = pubSub.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := pubSub.Subscribe(ctx, events.ChatTopic)
	require.NoError(t, err)

	pm := events.NewPublisherManager()
	pm.RegisterPublisher(events.ChatTopic, pubSub)

	m := newTestManager(t, &fakeFactory{err: errors.New("no network")}, WithPublisherManager(pm))
	reply := m.GetReply(ctx, "Hi")
	assert.True(t, reply.Error)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-msgs:
			msg.Ack()
			ev, err := events.NewEventFromJson(msg.Payload)
			require.NoError(t, err)
			assert.Equal(t, settings.DefaultEngine, ev.Metadata().Model)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestReplyFlagsOnlyConvertedFailures(t *testing.T) {
	lookalike := "Error getting chat response: is a phrase you will not hear from me."
	fail := false
	f := &fakeFactory{reply: func(history []*genai.Content, text string) (string, error) {
		if fail {
			return "", errors.New("quota exceeded")
		}
		return lookalike, nil
	}}
	m := newTestManager(t, f)

	reply := m.GetReply(context.Background(), "Say something odd")
	assert.Equal(t, Reply{Text: lookalike}, reply)

	fail = true
	reply = m.GetReplyStream(context.Background(), "Again", nil)
	assert.True(t, reply.Error)
	assert.Equal(t, "Error getting chat response: quota exceeded", reply.Text)

	msgs := m.Messages()
	require.Len(t, msgs, 4)
	assert.False(t, msgs[1].IsError())
	assert.True(t, msgs[3].IsError())
}

func TestInvalidOptions(t *testing.T) {
	_, err := NewManager(testSettings(), WithModelFactory(nil))
	require.Error(t, err)

	_, err = NewManager(testSettings(), WithModelFactory(&fakeFactory{}), WithSessionID(""))
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "active", StateActive.String())
}

type brokenCloseModel struct {
	forgetfulModel
}

func (brokenCloseModel) Close() error { return errors.New("connection reset") }

func TestCloseReportsModelErrors(t *testing.T) {
	m := newTestManager(t, &fakeFactory{})
	require.NoError(t, m.Close())

	m.mu.Lock()
	m.model = brokenCloseModel{}
	m.mu.Unlock()

	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, StateUninitialized, m.State())
}
