// Package qr renders a scannable terminal QR code for the server URL.
package qr

import (
	"github.com/skip2/go-qrcode"
)

// Render returns url encoded as a half-block terminal QR code.
func Render(url string) (string, error) {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return code.ToSmallString(false), nil
}
