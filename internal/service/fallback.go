package service

import (
	"fmt"
	"strings"

	"github.com/unclebandit/wa-gateway/internal/model"
)

const replyInstruction = "Reply with the number of your choice."

// FormatButtons renders a buttons message as a numbered text menu.
func FormatButtons(body string, buttons []model.Button) string {
	var b strings.Builder
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	for i, btn := range buttons {
		fmt.Fprintf(&b, "%d. %s\n", i+1, btn.Title)
	}
	b.WriteString("\n")
	b.WriteString(replyInstruction)
	return b.String()
}

// FormatList renders list sections as titled, indented groups. Rows are
// numbered continuously across sections so a single number identifies a row.
func FormatList(body string, sections []model.ListSection) string {
	var b strings.Builder
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	n := 0
	for _, s := range sections {
		if s.Title != "" {
			fmt.Fprintf(&b, "*%s*\n", s.Title)
		}
		for _, r := range s.Rows {
			n++
			if r.Description != "" {
				fmt.Fprintf(&b, "  %d. %s - %s\n", n, r.Title, r.Description)
			} else {
				fmt.Fprintf(&b, "  %d. %s\n", n, r.Title)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString(replyInstruction)
	return b.String()
}

// FormatImage renders an image as its caption followed by a link marker.
func FormatImage(url, caption string) string {
	marker := fmt.Sprintf("[Image: %s]", url)
	if caption == "" {
		return marker
	}
	return caption + "\n" + marker
}

// degrade returns the plain-text form of a rich message, or false when c is
// already text.
func degrade(c model.Content) (model.Text, bool) {
	switch v := c.(type) {
	case model.Buttons:
		return model.Text{Body: FormatButtons(v.Body, v.Buttons)}, true
	case model.List:
		return model.Text{Body: FormatList(v.Body, v.Sections)}, true
	case model.Image:
		return model.Text{Body: FormatImage(v.URL, v.Caption)}, true
	}
	return model.Text{}, false
}
