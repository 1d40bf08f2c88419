package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahnafnafee/eas-discord-build-notify/internal/eas"
)

var (
	ErrUnsupportedStatus = errors.New("unsupported status")
	ErrRender            = errors.New("qr render failed")
)

const (
	expoIcon    = "https://github.com/expo.png"
	footerLabel = "EAS Build"
	spacer      = "\u200b"
)

// Builder turns parsed webhook events into Discord notifications.
type Builder struct {
	Now    func() time.Time
	QR     QREncoder
	Logger *zap.Logger
}

func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		Now:    time.Now,
		QR:     DefaultQREncoder(),
		Logger: logger,
	}
}

// Build renders ev. Statuses other than canceled, errored and finished return
// ErrUnsupportedStatus.
func (b *Builder) Build(ev eas.Event) (Notification, error) {
	var (
		n   Notification
		err error
	)
	switch status := ev.Common().Status; status {
	case eas.StatusCanceled:
		n = b.canceled(ev)
	case eas.StatusErrored:
		n = b.errored(ev)
	case eas.StatusFinished:
		n, err = b.finished(ev)
		if err != nil {
			return Notification{}, err
		}
	default:
		return Notification{}, fmt.Errorf("%w: %q", ErrUnsupportedStatus, status)
	}

	embed, truncated := clamp(n.Embed)
	if len(truncated) > 0 {
		b.logger().Info("embed truncated to discord limits", zap.Strings("parts", truncated))
	}
	n.Embed = embed
	return n, nil
}

func (b *Builder) header(ev eas.Event) Embed {
	account := ev.Common().AccountName
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	return Embed{
		Author: &EmbedAuthor{
			Name:    account,
			URL:     "https://expo.dev/accounts/" + account,
			IconURL: expoIcon,
		},
		Thumbnail: &EmbedImage{URL: expoIcon},
		Timestamp: &now,
		Footer:    &EmbedFooter{Text: footerLabel, IconURL: expoIcon},
	}
}

func title(glyph string, ev eas.Event, outcome string) string {
	return fmt.Sprintf("%s %s %s - %s", glyph, ev.Kind, outcome, ProperCase(ev.Common().ProjectName))
}

func (b *Builder) canceled(ev eas.Event) Notification {
	embed := b.header(ev)
	embed.Title = title("🛑", ev, "Canceled")
	embed.Color = ColorGreyple
	embed.Description = fmt.Sprintf("The %s was canceled. Please check the logs for more information.", noun(ev))
	embed.URL = ev.DetailsURL()
	return Notification{Embed: embed}
}

func (b *Builder) errored(ev eas.Event) Notification {
	embed := b.header(ev)
	embed.Title = title("⛔", ev, "Failure")
	embed.Color = ColorRed
	embed.Description = fmt.Sprintf("An error occurred during the %s process. Please check the logs for more information.", noun(ev))
	embed.URL = ev.DetailsURL()

	var failure eas.Failure
	profile := EmbedField{Name: spacer, Value: spacer, Inline: true}
	if ev.Kind == eas.KindBuild {
		failure = ev.Build.Failure()
		profile = EmbedField{Name: "Profile", Value: orDefault(ev.Build.Metadata.BuildProfile, "Unknown profile"), Inline: true}
	} else {
		failure = ev.Submission.Failure()
	}

	embed.Fields = []EmbedField{
		{Name: "Error", Value: orDefault(failure.Message, "Unknown error"), Inline: true},
		profile,
		{Name: "Code", Value: orDefault(failure.ErrorCode, "Unknown code"), Inline: true},
	}
	return Notification{Embed: embed}
}

func (b *Builder) finished(ev eas.Event) (Notification, error) {
	embed := b.header(ev)
	embed.Title = title("✅", ev, "Success")
	embed.Color = ColorGreen

	if ev.Kind == eas.KindSubmission {
		sub := ev.Submission
		embed.Description = "Submission Details: " + sub.SubmissionDetailsPageURL
		embed.Fields = []EmbedField{{Name: "Platform", Value: orDefault(sub.Platform, "Unknown platform"), Inline: true}}
		embed.URL = sub.SubmissionDetailsPageURL
		return Notification{Embed: embed}, nil
	}

	build := ev.Build
	png, err := b.renderQR(build)
	if err != nil {
		return Notification{}, err
	}

	link := "Scan QR Code"
	if build.Platform != eas.PlatformIOS {
		link = fmt.Sprintf("[Download](%s)", build.BuildURL())
	}
	embed.Description = fmt.Sprintf("%s - [Details](%s)", link, build.BuildDetailsPageURL)
	embed.Fields = []EmbedField{
		{Name: "Platform", Value: orDefault(build.Platform, "Unknown platform"), Inline: true},
		{Name: "Profile", Value: orDefault(build.Metadata.BuildProfile, "Unknown profile"), Inline: true},
		{Name: "App Version", Value: appVersion(build.Metadata), Inline: true},
	}
	embed.Image = &EmbedImage{URL: AttachmentRef(QRFileName)}
	embed.URL = build.BuildURL()

	return Notification{
		Embed: embed,
		Attachment: &Attachment{
			Name:        QRFileName,
			ContentType: "image/png",
			Data:        png,
		},
	}, nil
}

// QRContent is what the install code for build encodes: the itms-services
// link on iOS, the artifact URL elsewhere.
func QRContent(build *eas.BuildPayload) string {
	if build.Platform == eas.PlatformIOS {
		return installLink(build.AppID, build.ID)
	}
	return build.BuildURL()
}

func (b *Builder) renderQR(build *eas.BuildPayload) ([]byte, error) {
	content := QRContent(build)
	if content == "" {
		return nil, fmt.Errorf("%w: build %s has no artifact url", ErrRender, build.ID)
	}
	encoder := b.QR
	if encoder == nil {
		encoder = DefaultQREncoder()
	}
	png, err := encoder.Encode(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return png, nil
}

func (b *Builder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func noun(ev eas.Event) string {
	return strings.ToLower(ev.Kind.String())
}

func appVersion(m eas.Metadata) string {
	version := orDefault(m.AppVersion, "Unknown version")
	if m.AppBuildVersion != "" {
		version += " (" + m.AppBuildVersion + ")"
	}
	return version
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
