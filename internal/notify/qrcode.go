package notify

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// QRFileName is the attachment name the rendered code is uploaded under.
const QRFileName = "qrCode.png"

// QREncoder renders content as a PNG QR code.
type QREncoder interface {
	Encode(content string) ([]byte, error)
}

// PNGEncoder renders square PNG codes Size pixels wide.
type PNGEncoder struct {
	Size  int
	Level qrcode.RecoveryLevel
}

// DefaultQREncoder is 256px with the highest error correction, so the code
// still scans with a logo or crop over it.
func DefaultQREncoder() PNGEncoder {
	return PNGEncoder{Size: 256, Level: qrcode.Highest}
}

func (e PNGEncoder) Encode(content string) ([]byte, error) {
	if content == "" {
		return nil, fmt.Errorf("empty qr content")
	}
	code, err := qrcode.New(content, e.Level)
	if err != nil {
		return nil, err
	}
	return code.PNG(e.Size)
}

// manifestURL is the plist iOS fetches for an over-the-air install.
func manifestURL(appID, buildID string) string {
	return fmt.Sprintf("https://api.expo.dev/v2/projects/%s/builds/%s/manifest.plist", appID, buildID)
}

// installLink is the itms-services deep link that installs an iOS build.
func installLink(appID, buildID string) string {
	return "itms-services://?action=download-manifest;url=" + manifestURL(appID, buildID)
}
