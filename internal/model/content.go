// internal/model/content.go
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
)

const MaxButtons = 3

type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// Content is one outbound message kind. Values are only built through the
// New* constructors, which enforce each kind's structural rules.
type Content interface {
	Type() MessageType
	isContent()
}

type Text struct {
	Body string
}

type Buttons struct {
	Body    string
	Buttons []Button
}

type List struct {
	Body       string
	ButtonText string
	Sections   []ListSection
}

type Image struct {
	URL     string
	Caption string
}

// TemplateRef names a pre-approved template plus the positional values to fill it with.
type TemplateRef struct {
	Name   string
	Values map[int]string
}

func (Text) Type() MessageType        { return MessageTypeText }
func (Buttons) Type() MessageType     { return MessageTypeButtons }
func (List) Type() MessageType        { return MessageTypeList }
func (Image) Type() MessageType       { return MessageTypeImage }
func (TemplateRef) Type() MessageType { return MessageTypeTemplate }

func (Text) isContent()        {}
func (Buttons) isContent()     {}
func (List) isContent()        {}
func (Image) isContent()       {}
func (TemplateRef) isContent() {}

func NewText(body string) (Text, error) {
	if strings.TrimSpace(body) == "" {
		return Text{}, appErrors.NewPolicyError("text message body cannot be empty", nil)
	}
	return Text{Body: body}, nil
}

func NewButtons(body string, buttons []Button) (Buttons, error) {
	if len(buttons) == 0 || len(buttons) > MaxButtons {
		return Buttons{}, appErrors.NewPolicyError(
			fmt.Sprintf("buttons message must carry 1-%d buttons, got %d", MaxButtons, len(buttons)), nil)
	}
	for i, b := range buttons {
		if strings.TrimSpace(b.Title) == "" {
			return Buttons{}, appErrors.NewPolicyError(fmt.Sprintf("button %d has an empty title", i+1), nil)
		}
	}
	return Buttons{Body: body, Buttons: append([]Button(nil), buttons...)}, nil
}

func NewList(body, buttonText string, sections []ListSection) (List, error) {
	if len(sections) == 0 {
		return List{}, appErrors.NewPolicyError("list message must carry at least one section", nil)
	}
	for i, s := range sections {
		if len(s.Rows) == 0 {
			return List{}, appErrors.NewPolicyError(fmt.Sprintf("list section %d has no rows", i+1), nil)
		}
	}
	return List{Body: body, ButtonText: buttonText, Sections: append([]ListSection(nil), sections...)}, nil
}

func NewImage(url, caption string) (Image, error) {
	if strings.TrimSpace(url) == "" {
		return Image{}, appErrors.NewPolicyError("image message requires a URL", nil)
	}
	return Image{URL: url, Caption: caption}, nil
}

func NewTemplateRef(name string, values map[int]string) (TemplateRef, error) {
	if strings.TrimSpace(name) == "" {
		return TemplateRef{}, appErrors.NewPolicyError("template message requires a template name", nil)
	}
	return TemplateRef{Name: name, Values: values}, nil
}

// SendPayload is the wire shape of a send request, used by the send API and
// the async job queue.
type SendPayload struct {
	Type       MessageType    `json:"type"`
	Body       string         `json:"body,omitempty"`
	Buttons    []Button       `json:"buttons,omitempty"`
	Sections   []ListSection  `json:"sections,omitempty"`
	ButtonText string         `json:"button_text,omitempty"`
	ImageURL   string         `json:"image_url,omitempty"`
	Caption    string         `json:"caption,omitempty"`
	Template   string         `json:"template,omitempty"`
	Values     map[int]string `json:"values,omitempty"`
}

// Content validates the payload and builds the matching variant.
func (p SendPayload) Content() (Content, error) {
	switch p.Type {
	case MessageTypeText, "":
		return NewText(p.Body)
	case MessageTypeButtons:
		return NewButtons(p.Body, p.Buttons)
	case MessageTypeList:
		return NewList(p.Body, p.ButtonText, p.Sections)
	case MessageTypeImage:
		return NewImage(p.ImageURL, p.Caption)
	case MessageTypeTemplate:
		return NewTemplateRef(p.Template, p.Values)
	default:
		return nil, appErrors.NewPolicyError(fmt.Sprintf("unknown message type %q", p.Type), nil)
	}
}

// PayloadOf is the inverse of SendPayload.Content.
func PayloadOf(c Content) SendPayload {
	switch v := c.(type) {
	case Text:
		return SendPayload{Type: MessageTypeText, Body: v.Body}
	case Buttons:
		return SendPayload{Type: MessageTypeButtons, Body: v.Body, Buttons: v.Buttons}
	case List:
		return SendPayload{Type: MessageTypeList, Body: v.Body, ButtonText: v.ButtonText, Sections: v.Sections}
	case Image:
		return SendPayload{Type: MessageTypeImage, ImageURL: v.URL, Caption: v.Caption}
	case TemplateRef:
		return SendPayload{Type: MessageTypeTemplate, Template: v.Name, Values: v.Values}
	}
	return SendPayload{}
}

// RichPayload serializes the structured part of c for the message record.
// Plain text has none.
func RichPayload(c Content) (json.RawMessage, error) {
	var v any
	switch c := c.(type) {
	case Buttons:
		v = struct {
			Body    string   `json:"body"`
			Buttons []Button `json:"buttons"`
		}{c.Body, c.Buttons}
	case List:
		v = struct {
			Body       string        `json:"body"`
			ButtonText string        `json:"button_text,omitempty"`
			Sections   []ListSection `json:"sections"`
		}{c.Body, c.ButtonText, c.Sections}
	case Image:
		v = struct {
			URL     string `json:"url"`
			Caption string `json:"caption,omitempty"`
		}{c.URL, c.Caption}
	case TemplateRef:
		v = struct {
			Name   string         `json:"name"`
			Values map[int]string `json:"values,omitempty"`
		}{c.Name, c.Values}
	default:
		return nil, nil
	}
	return json.Marshal(v)
}
