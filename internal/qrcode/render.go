// Package qrcode renders login QR codes to the terminal and saves them as PNG.
package qrcode

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	goqrcode "github.com/skip2/go-qrcode"
)

// pngSize is the edge length of generated PNGs in pixels.
const pngSize = 256

// Half-block glyphs. Light modules are drawn and dark ones left blank, so the
// code reads correctly on the usual dark terminal background.
const (
	glyphBoth   = "█"
	glyphTop    = "▀"
	glyphBottom = "▄"
	glyphNone   = " "
)

// Render returns payload as a compact QR code drawn with half-block
// characters, two module rows per text line, framed by a light quiet zone.
func Render(payload string) (string, error) {
	q, err := goqrcode.New(payload, goqrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encoding qr code: %w", err)
	}
	q.DisableBorder = true
	return renderBitmap(q.Bitmap()), nil
}

// renderBitmap draws a square bitmap where true means a dark module.
func renderBitmap(bm [][]bool) string {
	width := len(bm)
	var b strings.Builder

	edge := strings.Repeat(glyphBoth, width+4)
	b.WriteString(edge)
	b.WriteByte('\n')

	for y := 0; y < width; y += 2 {
		b.WriteString(glyphBoth + glyphBoth)
		for x := 0; x < width; x++ {
			top := bm[y][x]
			bottom := y+1 < width && bm[y+1][x]
			switch {
			case !top && !bottom:
				b.WriteString(glyphBoth)
			case top && bottom:
				b.WriteString(glyphNone)
			case !top && bottom:
				b.WriteString(glyphTop)
			default:
				b.WriteString(glyphBottom)
			}
		}
		b.WriteString(glyphBoth + glyphBoth)
		b.WriteByte('\n')
	}

	b.WriteString(edge)
	b.WriteByte('\n')
	return b.String()
}

// EncodePNG renders payload as a PNG image.
func EncodePNG(payload string) ([]byte, error) {
	png, err := goqrcode.Encode(payload, goqrcode.Medium, pngSize)
	if err != nil {
		return nil, fmt.Errorf("encoding qr png: %w", err)
	}
	return png, nil
}

// DecodeBase64Image decodes a base64 PNG, with or without a data URL prefix
// such as "data:image/png;base64,".
func DecodeBase64Image(s string) ([]byte, error) {
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding qr image: %w", err)
	}
	return data, nil
}

// WebURL returns a link to an online renderer of payload, for consoles that
// cannot display the block characters.
func WebURL(payload string) string {
	return "https://api.2dcode.biz/v1/create-qr-code?data=" + url.QueryEscape(payload)
}
