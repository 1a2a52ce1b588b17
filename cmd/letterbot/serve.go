package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/letterbot/pkg/chatbot"
	"github.com/go-go-golems/letterbot/pkg/events"
	"github.com/go-go-golems/letterbot/pkg/web"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the letter and its chat in the browser",
		RunE:  runServe,
	}
	cmd.Flags().String("address", ":8501", "Address to listen on")
	cmd.Flags().Duration("session-idle-timeout", 2*time.Hour, "Forget browser sessions idle for longer than this")
	cmd.Flags().Bool("verbose-events", false, "Log watermill internals")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return err
	}
	idleTimeout, err := cmd.Flags().GetDuration("session-idle-timeout")
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose-events")
	if err != nil {
		return err
	}

	stepSettings, p, instruction, err := loadConfiguration()
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter(events.WithVerbose(verbose))
	if err != nil {
		return errors.Wrap(err, "could not create event router")
	}
	router.AddHandler("event-log", events.ChatTopic, web.LogEventsHandler)

	sessions := web.NewSessionStore(func(sessionID string) (*chatbot.Manager, error) {
		pm := events.NewPublisherManager()
		pm.RegisterPublisher(events.ChatTopic, router.Publisher)
		return chatbot.NewManager(stepSettings,
			chatbot.WithSessionID(sessionID),
			chatbot.WithSystemInstruction(instruction),
			chatbot.WithAcknowledgement(p.Acknowledgement),
			chatbot.WithPublisherManager(pm),
		)
	})

	srv, err := web.NewServer(p, sessions, web.WithStreaming(stepSettings.Chat.Stream))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              address,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(cmd.Context())
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		if err := router.WaitRunning(ctx); err != nil {
			return nil
		}
		log.Info().
			Str("address", address).
			Str("persona", p.Name).
			Str("model", stepSettings.Chat.EngineOrDefault()).
			Msg("Starting web server")
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		return sessions.RunEviction(ctx, time.Minute, idleTimeout)
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shut down web server")
		}
		if err := sessions.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close sessions")
		}
		return router.Close()
	})

	return eg.Wait()
}
