package ui

import (
	"context"
	"sync"

	"github.com/charmbracelet/bubbletea"
	boba_chat "github.com/go-go-golems/bobatea/pkg/chat"
	"github.com/go-go-golems/bobatea/pkg/conversation"
	"github.com/go-go-golems/letterbot/pkg/chatbot"
	"github.com/pkg/errors"
)

// Backend lets the bobatea chat model drive a conversation manager. The
// replies reach the UI through the manager's events, see ForwardFunc.
type Backend struct {
	manager *chatbot.Manager
	stream  bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	parentID conversation.NodeID
}

var _ boba_chat.Backend = (*Backend)(nil)

type BackendOption func(*Backend)

func WithStreaming(stream bool) BackendOption {
	return func(b *Backend) {
		b.stream = stream
	}
}

func NewBackend(manager *chatbot.Manager, options ...BackendOption) *Backend {
	ret := &Backend{
		manager: manager,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Start answers the last message of msgs. The returned command blocks until
// the manager is done and then reports BackendFinishedMsg.
func (b *Backend) Start(ctx context.Context, msgs []*conversation.Message) (tea.Cmd, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil, errors.New("a reply is already being written")
	}
	if len(msgs) == 0 {
		return nil, errors.New("no message to answer")
	}

	last := msgs[len(msgs)-1]
	text := last.Content.String()
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.parentID = last.ID

	return func() tea.Msg {
		defer b.finish()
		if b.stream {
			b.manager.GetReplyStream(ctx, text, nil)
		} else {
			b.manager.GetReply(ctx, text)
		}
		return boba_chat.BackendFinishedMsg{}
	}, nil
}

func (b *Backend) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.running = false
}

func (b *Backend) Interrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Backend) Kill() {
	b.Interrupt()
}

func (b *Backend) IsFinished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.running
}

func (b *Backend) currentParentID() conversation.NodeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parentID
}
