package web

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-go-golems/letterbot/pkg/chatbot"
	"github.com/go-go-golems/letterbot/pkg/persona"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Server is the browser front-end: one page plus a small JSON API, backed by
// one conversation manager per browser session.
type Server struct {
	sessions    *SessionStore
	persona     *persona.Persona
	instruction string
	stream      bool
	index       *template.Template
}

type ServerOption func(*Server)

// WithStreaming makes the page use the streaming endpoint.
func WithStreaming(stream bool) ServerOption {
	return func(s *Server) {
		s.stream = stream
	}
}

func NewServer(p *persona.Persona, sessions *SessionStore, options ...ServerOption) (*Server, error) {
	instruction, err := p.SystemInstruction()
	if err != nil {
		return nil, err
	}

	index, err := template.ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		return nil, errors.Wrap(err, "could not parse page template")
	}

	ret := &Server{
		sessions:    sessions,
		persona:     p,
		instruction: instruction,
		index:       index,
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/clear", s.handleClear)
	return LoggingMiddleware(mux)
}

type indexData struct {
	Title       string
	Description string
	Letter      template.HTML
	Placeholder string
	Stream      bool
	Messages    []MessageView
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	m, err := s.sessions.Get(w, r)
	if err != nil {
		log.Error().Err(err).Msg("failed to get session")
		http.Error(w, "Failed to start conversation", http.StatusInternalServerError)
		return
	}

	letter, err := RenderMarkdown(s.persona.Letter)
	if err != nil {
		log.Warn().Err(err).Msg("failed to render letter")
		letter = template.HTML(template.HTMLEscapeString(s.persona.Letter))
	}

	placeholder := s.persona.Placeholder
	if placeholder == "" {
		placeholder = "Type your message here..."
	}

	data := indexData{
		Title:       s.persona.DisplayTitle(),
		Description: s.persona.Description,
		Letter:      letter,
		Placeholder: placeholder,
		Stream:      s.stream,
		Messages:    NewMessageViews(m.Messages()),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.index.Execute(w, data); err != nil {
		log.Error().Err(err).Msg("failed to render page")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "ok")
}

type messagesResponse struct {
	SessionID string        `json:"session_id"`
	Messages  []MessageView `json:"messages"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		SessionID: m.SessionID(),
		Messages:  NewMessageViews(m.Messages()),
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string        `json:"reply"`
	HTML  template.HTML `json:"html"`
	Error bool          `json:"error,omitempty"`
}

func newChatResponse(reply chatbot.Reply) chatResponse {
	rendered := template.HTML(template.HTMLEscapeString(reply.Text))
	if !reply.Error {
		if h, err := RenderMarkdown(reply.Text); err == nil {
			rendered = h
		}
	}
	return chatResponse{Reply: reply.Text, HTML: rendered, Error: reply.Error}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	req := &chatRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return nil, false
	}
	return req, true
}

// handleChat answers with the complete reply. Model failures are ordinary
// replies flagged with error, never HTTP errors.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	m, ok := s.manager(w, r)
	if !ok {
		return
	}

	reply := m.GetReply(r.Context(), req.Message)
	writeJSON(w, http.StatusOK, newChatResponse(reply))
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m, ok := s.manager(w, r)
	if !ok {
		return
	}

	sse.Start()
	reply := m.GetReplyStream(r.Context(), req.Message, func(delta string) error {
		return sse.Send("delta", map[string]string{"delta": delta})
	})
	if err := sse.Send("done", newChatResponse(reply)); err != nil {
		log.Debug().Err(err).Str("session_id", m.SessionID()).Msg("client went away before the reply was delivered")
	}
}

// handleClear resets the conversation and seeds the persona instruction again.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	m.ClearHistory()
	m.SetSystemInstruction(s.instruction)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) (*chatbot.Manager, bool) {
	m, err := s.sessions.Get(w, r)
	if err != nil {
		log.Error().Err(err).Msg("failed to get session")
		http.Error(w, "Failed to start conversation", http.StatusInternalServerError)
		return nil, false
	}
	return m, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
