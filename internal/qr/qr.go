// Package qr renders the daemon's pairing URL as a terminal QR code using
// unicode half blocks, two matrix rows per text line.
package qr

import (
	"fmt"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Render encodes text as a QR code and returns the half-block string.
func Render(text string) (string, error) {
	writer := qrcode.NewQRCodeWriter()
	hints := map[gozxing.EncodeHintType]interface{}{
		gozxing.EncodeHintType_MARGIN: 1,
	}
	matrix, err := writer.Encode(text, gozxing.BarcodeFormat_QR_CODE, 0, 0, hints)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}

	var b strings.Builder
	width := matrix.GetWidth()
	height := matrix.GetHeight()
	for y := 0; y < height; y += 2 {
		for x := 0; x < width; x++ {
			top := matrix.Get(x, y)
			bottom := y+1 < height && matrix.Get(x, y+1)
			switch {
			case top && bottom:
				b.WriteRune('█')
			case top:
				b.WriteRune('▀')
			case bottom:
				b.WriteRune('▄')
			default:
				b.WriteRune(' ')
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
