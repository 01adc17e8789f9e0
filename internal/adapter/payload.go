// ABOUTME: Builds the agent-facing conversation payload from a caller request.
// ABOUTME: Handles attachments, system merging, participant positions and the trailing probe.

package adapter

import (
	"fmt"
	"mime"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Mode selects how participant positions are assigned.
type Mode string

const (
	// ModeDirect talks to a single model.
	ModeDirect Mode = "direct_chat"
	// ModeBattle addresses one side of a side-by-side comparison.
	ModeBattle Mode = "battle"
)

// Attachment is inline file data sent with a message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

// Template is one message of the agent payload.
type Template struct {
	Role                string       `json:"role"`
	Content             string       `json:"content"`
	Attachments         []Attachment `json:"attachments"`
	ParticipantPosition string       `json:"participantPosition"`
}

// Payload is the conversation command sent to the agent.
type Payload struct {
	MessageTemplates []Template `json:"message_templates"`
	TargetModelID    *string    `json:"target_model_id"`
	SessionID        string     `json:"session_id"`
	MessageID        string     `json:"message_id"`
	IsImageRequest   bool       `json:"is_image_request"`
}

// Options controls payload construction.
type Options struct {
	// TargetID is the upstream model id; empty leaves it unset.
	TargetID string
	// Image marks the target as an image-generation model.
	Image bool

	SessionID string
	MessageID string

	Mode Mode
	// BattleTarget is the side ("a" or "b") addressed in battle mode.
	BattleTarget string
	// DirectSystemSide is the position given to system messages in direct
	// mode. Defaults to "b".
	DirectSystemSide string

	// MergeSystem joins all system messages into one leading message.
	MergeSystem bool
	// TrailingProbe appends an empty user turn for non-image targets.
	TrailingProbe bool
}

// ToPayload translates a caller request into the agent payload.
func ToPayload(req *ChatRequest, opts Options) Payload {
	templates := make([]Template, 0, len(req.Messages)+2)
	for _, m := range req.Messages {
		templates = append(templates, convertMessage(m))
	}

	if opts.MergeSystem {
		templates = mergeSystem(templates)
	}

	if opts.TrailingProbe && !opts.Image {
		templates = append(templates, Template{Role: "user", Content: " ", Attachments: []Attachment{}})
	}

	userSide, systemSide := positions(opts)
	for i := range templates {
		if templates[i].Role == "system" {
			templates[i].ParticipantPosition = systemSide
		} else {
			templates[i].ParticipantPosition = userSide
		}
	}

	p := Payload{
		MessageTemplates: templates,
		SessionID:        opts.SessionID,
		MessageID:        opts.MessageID,
		IsImageRequest:   opts.Image,
	}
	if opts.TargetID != "" {
		id := opts.TargetID
		p.TargetModelID = &id
	}
	return p
}

// positions returns the sides for non-system and system messages.
func positions(opts Options) (string, string) {
	if opts.Mode == ModeBattle {
		side := strings.ToLower(opts.BattleTarget)
		if side != "a" && side != "b" {
			side = "a"
		}
		return side, side
	}
	systemSide := strings.ToLower(opts.DirectSystemSide)
	if systemSide == "" {
		systemSide = "b"
	}
	return "a", systemSide
}

func convertMessage(m Message) Template {
	role := m.Role
	if role == "developer" {
		role = "system"
	}

	t := Template{Role: role, Content: m.Content.Text, Attachments: []Attachment{}}
	if m.Content.Parts != nil {
		var texts []string
		for _, p := range m.Content.Parts {
			switch p.Type {
			case "text":
				texts = append(texts, p.Text)
			case "image_url":
				if att, ok := attachmentFor(p.ImageURL); ok {
					t.Attachments = append(t.Attachments, att)
				}
			}
		}
		t.Content = strings.Join(texts, "\n\n")
	}

	if role == "user" && strings.TrimSpace(t.Content) == "" {
		t.Content = " "
	}
	return t
}

// attachmentFor turns an inline data: URL into a named attachment. Remote
// URLs are not forwarded.
func attachmentFor(img *ImageURL) (Attachment, bool) {
	if img == nil || !strings.HasPrefix(img.URL, "data:") {
		return Attachment{}, false
	}
	header, _, ok := strings.Cut(strings.TrimPrefix(img.URL, "data:"), ",")
	if !ok {
		return Attachment{}, false
	}
	contentType, _, _ := strings.Cut(header, ";")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	name := img.Detail
	if name == "" {
		name = generatedName(contentType)
	}
	return Attachment{Name: name, ContentType: contentType, URL: img.URL}, true
}

func generatedName(contentType string) string {
	kind, sub, ok := strings.Cut(contentType, "/")
	if !ok {
		kind, sub = "application", "octet-stream"
	}

	prefix := "file"
	switch kind {
	case "image", "audio":
		prefix = kind
	}
	return fmt.Sprintf("%s_%s.%s", prefix, uuid.New().String(), extensionFor(contentType, sub))
}

func extensionFor(contentType, sub string) string {
	exts, _ := mime.ExtensionsByType(contentType)
	if slices.Contains(exts, "."+sub) {
		return sub
	}
	if len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	if len(sub) < 20 {
		return sub
	}
	return "bin"
}

func mergeSystem(templates []Template) []Template {
	var prompts []string
	others := make([]Template, 0, len(templates))
	for _, t := range templates {
		if t.Role == "system" {
			prompts = append(prompts, t.Content)
			continue
		}
		others = append(others, t)
	}

	merged := strings.Join(prompts, "\n\n")
	if merged == "" {
		return others
	}
	return append([]Template{{Role: "system", Content: merged, Attachments: []Attachment{}}}, others...)
}
