package notify

import "time"

// Accent colors, matching Discord's palette.
const (
	ColorGreyple = 0x99AAB5
	ColorRed     = 0xED4245
	ColorGreen   = 0x57F287
)

// Notification is one Discord message: a single embed and at most one file.
type Notification struct {
	Embed      Embed
	Attachment *Attachment
}

// Attachment is a file uploaded alongside the embed. The embed refers to it
// as attachment://Name.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Embed mirrors Discord's embed object.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color"`
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Thumbnail   *EmbedImage  `json:"thumbnail,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type EmbedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

type EmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// AttachmentRef is the embed URL that points at an uploaded file.
func AttachmentRef(name string) string {
	return "attachment://" + name
}

// Field returns the first field called name.
func (e Embed) Field(name string) (EmbedField, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return EmbedField{}, false
}
