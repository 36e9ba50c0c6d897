package main

import (
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

func joinURI(code string) string {
	return "parla://join/" + code
}

// renderQR converts a string to a compact QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
