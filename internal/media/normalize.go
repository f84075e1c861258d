package media

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/webp"

	"github.com/mikequentel/notesky/internal/model"
)

const jpegQuality = 92

// Normalized is an attachment redrawn into an encoding the service accepts.
type Normalized struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// DetectMime sniffs the content type of b. declared, when non-empty, is only
// used if sniffing finds nothing better than application/octet-stream.
func DetectMime(b []byte, declared string) string {
	m := mimetype.Detect(b)
	if m.Is("application/octet-stream") && declared != "" {
		return declared
	}
	return m.String()
}

// Normalize decodes the attachment and re-encodes it. JPEG stays JPEG;
// everything else decodable becomes PNG. Animated GIFs keep their first frame.
func Normalize(a model.Attachment) (*Normalized, error) {
	mime := a.MimeType
	if mime == "" {
		mime = DetectMime(a.Data, "")
	}

	img, err := decode(a.Data, mime)
	if err != nil {
		return nil, fmt.Errorf("decode %s (%s): %w", a.Name, mime, err)
	}
	b := img.Bounds()

	var buf bytes.Buffer
	out := "image/png"
	if mime == "image/jpeg" {
		out = "image/jpeg"
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Name, err)
	}

	return &Normalized{
		Data:     buf.Bytes(),
		MimeType: out,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}

func decode(data []byte, mime string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch mime {
	case "image/jpeg":
		return jpeg.Decode(r)
	case "image/png":
		return png.Decode(r)
	case "image/gif":
		return gif.Decode(r)
	case "image/webp":
		return webp.Decode(r)
	}
	return nil, fmt.Errorf("unsupported image type %q", mime)
}
