package attendance

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// RenderQR encodes the check-in URL as a 256px PNG, returned base64 so it
// can be stored and served inline.
func RenderQR(checkinURL string) (string, error) {
	png, err := qrcode.Encode(checkinURL, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
