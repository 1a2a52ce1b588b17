package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	boba_chat "github.com/go-go-golems/bobatea/pkg/chat"
	boba_conversation "github.com/go-go-golems/bobatea/pkg/conversation"
	"github.com/go-go-golems/letterbot/pkg/chatbot"
	"github.com/go-go-golems/letterbot/pkg/events"
	"github.com/go-go-golems/letterbot/pkg/persona"
	"github.com/go-go-golems/letterbot/pkg/steps/ai/settings"
	"github.com/go-go-golems/letterbot/pkg/ui"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal. In the line mode, type /clear to start over, /quit to leave",
		RunE:  runChat,
	}
	cmd.Flags().Bool("plain", false, "Use the line mode even on a terminal")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	plain, err := cmd.Flags().GetBool("plain")
	if err != nil {
		return err
	}

	stepSettings, p, instruction, err := loadConfiguration()
	if err != nil {
		return err
	}

	isOutputTerminal := isatty.IsTerminal(os.Stdout.Fd())
	isInputTerminal := isatty.IsTerminal(os.Stdin.Fd())
	if isOutputTerminal && isInputTerminal && !plain {
		return runChatUI(ctx, stepSettings, p, instruction)
	}

	manager, err := chatbot.NewManager(stepSettings,
		chatbot.WithSystemInstruction(instruction),
		chatbot.WithAcknowledgement(p.Acknowledgement),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close conversation")
		}
	}()

	out := cmd.OutOrStdout()

	prompt := &input.UI{
		Writer: out,
		Reader: os.Stdin,
	}

	if isOutputTerminal {
		_, _ = fmt.Fprintf(out, "%s\n\n", p.DisplayTitle())
	}

	for {
		text, err := prompt.Ask(">", &input.Options{
			Required:  true,
			Loop:      true,
			HideOrder: true,
		})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) || !isInputTerminal {
				return nil
			}
			return errors.Wrap(err, "could not read input")
		}

		switch strings.TrimSpace(text) {
		case "/quit", "/exit":
			return nil
		case "/clear":
			manager.ClearHistory()
			manager.SetSystemInstruction(instruction)
			_, _ = fmt.Fprintln(out, "History cleared.")
			continue
		}

		if err := printReply(ctx, out, manager, text, isOutputTerminal, stepSettings.Chat.Stream); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// printReply renders the reply with glamour on a terminal, and otherwise
// writes it as it arrives.
func printReply(ctx context.Context, out io.Writer, manager *chatbot.Manager, text string, isOutputTerminal bool, stream bool) error {
	if !isOutputTerminal {
		if !stream {
			_, err := fmt.Fprintln(out, manager.GetResponse(ctx, text))
			return err
		}
		streamed := false
		reply := manager.GetReplyStream(ctx, text, func(delta string) error {
			streamed = true
			_, err := io.WriteString(out, delta)
			return err
		})
		if reply.Error {
			if streamed {
				_, _ = fmt.Fprintln(out)
			}
			if _, err := io.WriteString(out, reply.Text); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintln(out)
		return err
	}

	reply := manager.GetReply(ctx, text)
	if reply.Error {
		_, err := fmt.Fprintf(out, "\n%s\n\n", reply.Text)
		return err
	}

	rendered, err := glamour.Render(reply.Text, "dark")
	if err != nil {
		log.Warn().Err(err).Msg("failed to render reply")
		rendered = reply.Text + "\n"
	}
	_, err = io.WriteString(out, rendered)
	return err
}

// runChatUI runs the full screen chat. Replies travel from the manager to the
// view as events on the chat topic.
func runChatUI(ctx context.Context, stepSettings *settings.StepSettings, p *persona.Persona, instruction string) error {
	router, err := events.NewEventRouter()
	if err != nil {
		return errors.Wrap(err, "could not create event router")
	}
	defer func() {
		_ = router.Close()
	}()

	pm := events.NewPublisherManager()
	pm.RegisterPublisher(events.ChatTopic, router.Publisher)

	manager, err := chatbot.NewManager(stepSettings,
		chatbot.WithSystemInstruction(instruction),
		chatbot.WithAcknowledgement(p.Acknowledgement),
		chatbot.WithPublisherManager(pm),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close conversation")
		}
	}()

	backend := ui.NewBackend(manager, ui.WithStreaming(stepSettings.Chat.Stream))
	transcript := boba_conversation.NewManager(boba_conversation.WithMessages(
		boba_conversation.NewChatMessage(boba_conversation.RoleSystem, p.Letter),
	))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(
		boba_chat.InitialModel(transcript, backend, boba_chat.WithTitle(p.DisplayTitle())),
		tea.WithMouseCellMotion(),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	router.AddHandler("ui", events.ChatTopic, backend.ForwardFunc(program))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		if err := router.WaitRunning(ctx); err != nil {
			return nil
		}
		_, err := program.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})

	return eg.Wait()
}
