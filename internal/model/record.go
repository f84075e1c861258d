package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	PostCollection = "app.bsky.feed.post"

	typeBlob          = "blob"
	typeFacetLink     = "app.bsky.richtext.facet#link"
	typeFacetTag      = "app.bsky.richtext.facet#tag"
	typeEmbedExternal = "app.bsky.embed.external"
	typeEmbedImages   = "app.bsky.embed.images"

	// createdAt is always written in UTC with millisecond precision.
	createdAtLayout = "2006-01-02T15:04:05.000Z"
)

// ===================== facets =====================

type FacetKind int

const (
	FacetLink FacetKind = iota
	FacetHashtag
)

func (k FacetKind) String() string {
	switch k {
	case FacetLink:
		return "link"
	case FacetHashtag:
		return "hashtag"
	}
	return fmt.Sprintf("FacetKind(%d)", int(k))
}

// Facet annotates text[ByteStart:ByteEnd]. Offsets count UTF-8 bytes.
// Value is the URI for links and the tag without its leading '#' for hashtags.
type Facet struct {
	ByteStart int
	ByteEnd   int
	Kind      FacetKind
	Value     string
}

type wireIndex struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type wireFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

type wireFacet struct {
	Index    wireIndex     `json:"index"`
	Features []wireFeature `json:"features"`
}

func (f Facet) MarshalJSON() ([]byte, error) {
	feat := wireFeature{}
	switch f.Kind {
	case FacetLink:
		feat.Type, feat.URI = typeFacetLink, f.Value
	case FacetHashtag:
		feat.Type, feat.Tag = typeFacetTag, f.Value
	default:
		return nil, fmt.Errorf("unknown facet kind %v", f.Kind)
	}
	return json.Marshal(wireFacet{
		Index:    wireIndex{ByteStart: f.ByteStart, ByteEnd: f.ByteEnd},
		Features: []wireFeature{feat},
	})
}

func (f *Facet) UnmarshalJSON(b []byte) error {
	var w wireFacet
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Features) != 1 {
		return fmt.Errorf("facet has %d features, want 1", len(w.Features))
	}
	f.ByteStart, f.ByteEnd = w.Index.ByteStart, w.Index.ByteEnd
	switch feat := w.Features[0]; feat.Type {
	case typeFacetLink:
		f.Kind, f.Value = FacetLink, feat.URI
	case typeFacetTag:
		f.Kind, f.Value = FacetHashtag, feat.Tag
	default:
		return fmt.Errorf("unknown facet feature %q", feat.Type)
	}
	return nil
}

// ===================== blobs =====================

type BlobRef struct {
	Link string `json:"$link"`
}

// Blob is the opaque reference uploadBlob hands back.
type Blob struct {
	Type     string  `json:"$type"`
	Ref      BlobRef `json:"ref"`
	MimeType string  `json:"mimeType"`
	Size     int64   `json:"size"`
}

// ===================== embeds =====================

// Embed is either ExternalEmbed or ImageEmbed. A post carries at most one.
type Embed interface {
	embed()
}

type ExternalEmbed struct {
	URI         string
	Title       string
	Description string
	Thumb       *Blob
}

type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Image struct {
	Image       Blob         `json:"image"`
	Alt         string       `json:"alt"`
	AspectRatio *AspectRatio `json:"aspectRatio,omitempty"`
}

// ImageEmbed holds up to MaxImages images in attachment order.
type ImageEmbed struct {
	Images []Image
}

const MaxImages = 4

func (ExternalEmbed) embed() {}
func (ImageEmbed) embed()    {}

type wireExternal struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumb       *Blob  `json:"thumb,omitempty"`
}

type wireEmbed struct {
	Type     string        `json:"$type"`
	External *wireExternal `json:"external,omitempty"`
	Images   []Image       `json:"images,omitempty"`
}

func (e ExternalEmbed) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEmbed{
		Type: typeEmbedExternal,
		External: &wireExternal{
			URI:         e.URI,
			Title:       e.Title,
			Description: e.Description,
			Thumb:       e.Thumb,
		},
	})
}

func (e ImageEmbed) MarshalJSON() ([]byte, error) {
	images := e.Images
	if images == nil {
		images = []Image{}
	}
	return json.Marshal(wireEmbed{Type: typeEmbedImages, Images: images})
}

func decodeEmbed(raw json.RawMessage) (Embed, error) {
	var w wireEmbed
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case typeEmbedExternal:
		if w.External == nil {
			return nil, fmt.Errorf("external embed without body")
		}
		return ExternalEmbed{
			URI:         w.External.URI,
			Title:       w.External.Title,
			Description: w.External.Description,
			Thumb:       w.External.Thumb,
		}, nil
	case typeEmbedImages:
		return ImageEmbed{Images: w.Images}, nil
	}
	return nil, fmt.Errorf("unknown embed type %q", w.Type)
}

// ===================== post record =====================

type PostRecord struct {
	Text      string
	CreatedAt time.Time
	Facets    []Facet
	Embed     Embed
}

type wirePost struct {
	Type      string          `json:"$type"`
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Facets    []Facet         `json:"facets,omitempty"`
	Embed     json.RawMessage `json:"embed,omitempty"`
}

func (p PostRecord) MarshalJSON() ([]byte, error) {
	w := wirePost{
		Type:      PostCollection,
		Text:      p.Text,
		CreatedAt: p.CreatedAt.UTC().Format(createdAtLayout),
		Facets:    p.Facets,
	}
	var (
		raw []byte
		err error
	)
	switch e := p.Embed.(type) {
	case nil:
	case ExternalEmbed:
		raw, err = e.MarshalJSON()
	case *ExternalEmbed:
		raw, err = e.MarshalJSON()
	case ImageEmbed:
		raw, err = e.MarshalJSON()
	case *ImageEmbed:
		raw, err = e.MarshalJSON()
	default:
		return nil, fmt.Errorf("unsupported embed %T", p.Embed)
	}
	if err != nil {
		return nil, err
	}
	w.Embed = raw
	return json.Marshal(w)
}

func (p *PostRecord) UnmarshalJSON(b []byte) error {
	var w wirePost
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type != "" && w.Type != PostCollection {
		return fmt.Errorf("record type %q is not a post", w.Type)
	}
	created, err := time.Parse(time.RFC3339, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	p.Text, p.CreatedAt, p.Facets, p.Embed = w.Text, created, w.Facets, nil
	if len(w.Embed) > 0 {
		if p.Embed, err = decodeEmbed(w.Embed); err != nil {
			return err
		}
	}
	return nil
}

// NewBlob fills the $type the service omits on some responses.
func NewBlob(b Blob) Blob {
	if b.Type == "" {
		b.Type = typeBlob
	}
	return b
}
