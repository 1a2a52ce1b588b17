package web

import (
	"bytes"
	"html/template"

	"github.com/go-go-golems/letterbot/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Raw HTML in model output is dropped, goldmark only renders it with html.WithUnsafe.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

func RenderMarkdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", errors.Wrap(err, "could not render markdown")
	}
	return template.HTML(buf.String()), nil
}

// MessageView is a display history entry as sent to the browser.
type MessageView struct {
	conversation.MessageJSON
	HTML template.HTML `json:"html"`
}

func NewMessageView(m conversation.Message) MessageView {
	ret := MessageView{MessageJSON: m.JSON()}
	rendered, err := RenderMarkdown(m.Text())
	if err != nil {
		ret.HTML = template.HTML(template.HTMLEscapeString(m.Text()))
		return ret
	}
	ret.HTML = rendered
	return ret
}

func NewMessageViews(msgs []conversation.Message) []MessageView {
	ret := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		ret = append(ret, NewMessageView(m))
	}
	return ret
}
