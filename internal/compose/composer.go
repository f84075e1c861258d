package compose

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	errs "github.com/mikequentel/notesky/internal/errors"
	"github.com/mikequentel/notesky/internal/media"
	"github.com/mikequentel/notesky/internal/model"
	"github.com/mikequentel/notesky/internal/preview"
	"github.com/mikequentel/notesky/internal/richtext"
)

// Publisher is the authenticated side of the service.
type Publisher interface {
	UploadBlob(ctx context.Context, data []byte, mimeType string) (model.Blob, error)
	CreateRecord(ctx context.Context, rec model.PostRecord) (model.CreateRecordResp, error)
}

// LinkFetcher loads preview pages and thumbnails.
type LinkFetcher interface {
	preview.PageFetcher
	FetchImage(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Notifier shows transient notices on the host surface.
type Notifier interface {
	Notify(msg string)
}

// History records successful posts. Optional.
type History interface {
	RecordPost(ctx context.Context, e model.HistoryEntry) error
}

type Options struct {
	InitialText     string
	DefaultHashtags string
	Debounce        time.Duration
	Notifier        Notifier
	History         History
	Logger          *zap.Logger
	Now             func() time.Time
}

// Composer is the state behind one compose surface: the text, the attached
// images and the link preview. It stays usable after any failed submit.
type Composer struct {
	pub     Publisher
	fetcher LinkFetcher
	notify  Notifier
	history History
	logger  *zap.Logger
	now     func() time.Time

	previews *preview.Refresher

	mu         sync.Mutex
	text       string
	images     []model.Attachment
	submitting bool
	closed     bool
}

type noopNotifier struct{}

func (noopNotifier) Notify(string) {}

func New(pub Publisher, fetcher LinkFetcher, opts Options) *Composer {
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Composer{
		pub:      pub,
		fetcher:  fetcher,
		notify:   opts.Notifier,
		history:  opts.History,
		logger:   opts.Logger,
		now:      opts.Now,
		previews: preview.NewRefresher(fetcher, opts.Debounce, opts.Logger),
		text:     InitialText(opts.InitialText, opts.DefaultHashtags),
	}
}

// InitialText appends the default hashtags below the initial text.
func InitialText(initial, hashtags string) string {
	hashtags = strings.TrimSpace(hashtags)
	if hashtags == "" {
		return initial
	}
	if initial == "" {
		return hashtags
	}
	return initial + "\n\n" + hashtags
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// SetText replaces the compose text and schedules a debounced preview refresh.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.text = text
	c.mu.Unlock()
	c.previews.Schedule(text)
}

// Count is the byte counter shown as "N/300"; over disables posting.
func (c *Composer) Count() (n int, over bool) {
	n = richtext.ByteLen(c.Text())
	return n, n > richtext.MaxPostBytes
}

// RefreshPreview inspects the current text immediately, as on open.
func (c *Composer) RefreshPreview(ctx context.Context) {
	c.previews.Refresh(ctx, c.Text())
}

// Preview returns the link card that would be embedded, or nil.
func (c *Composer) Preview() *model.LinkPreview {
	return c.previews.Current()
}

// OnPreview registers a callback for preview changes. Call before editing.
func (c *Composer) OnPreview(fn func(*model.LinkPreview)) {
	c.previews.OnUpdate = fn
}

// Attach adds images. A batch that would exceed model.MaxImages is refused
// whole and the images already attached stay.
func (c *Composer) Attach(files ...model.Attachment) error {
	if len(files) == 0 {
		return nil
	}
	c.mu.Lock()
	if len(c.images)+len(files) > model.MaxImages {
		c.mu.Unlock()
		err := errs.NewTooManyImages(model.MaxImages)
		c.notify.Notify(err.Message)
		return err
	}
	for _, f := range files {
		if f.MimeType == "" {
			f.MimeType = media.DetectMime(f.Data, "")
		}
		c.images = append(c.images, f)
	}
	c.mu.Unlock()

	c.previews.Block()
	return nil
}

// RemoveImage detaches the image at index i.
func (c *Composer) RemoveImage(i int) error {
	c.mu.Lock()
	if i < 0 || i >= len(c.images) {
		c.mu.Unlock()
		return errs.NewValidation(fmt.Sprintf("no attached image at index %d", i))
	}
	c.images = append(c.images[:i:i], c.images[i+1:]...)
	empty := len(c.images) == 0
	c.mu.Unlock()

	if empty {
		c.previews.Unblock()
	}
	return nil
}

func (c *Composer) Images() []model.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Attachment(nil), c.images...)
}

// Close cancels the pending preview refresh. In-flight requests finish and
// their results are dropped.
func (c *Composer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.previews.Close()
}

// Draft is a validated snapshot of what Submit would send, before uploads.
type Draft struct {
	Text    string
	Facets  []model.Facet
	Images  []model.Attachment
	Preview *model.LinkPreview // nil when images are attached
}

// Draft validates the compose state without touching the network.
func (c *Composer) Draft() (*Draft, error) {
	c.mu.Lock()
	text := strings.TrimSpace(c.text)
	images := append([]model.Attachment(nil), c.images...)
	c.mu.Unlock()

	if err := validate(text, len(images)); err != nil {
		return nil, err
	}
	d := &Draft{Text: text, Facets: richtext.DetectFacets(text), Images: images}
	if len(images) == 0 {
		if p := c.previews.Current(); p != nil && p.Title != "" {
			d.Preview = p
		}
	}
	return d, nil
}

func validate(text string, images int) error {
	if text == "" && images == 0 {
		return errs.NewValidation("post is empty; enter text or attach an image")
	}
	if n := richtext.ByteLen(text); n > richtext.MaxPostBytes {
		return errs.NewTextTooLong(richtext.MaxPostBytes, n)
	}
	if images > model.MaxImages {
		return errs.NewTooManyImages(model.MaxImages)
	}
	return nil
}

// Submit validates, resolves the embed, creates the record and, on success,
// clears the compose state. Every failure is also shown as a notice.
func (c *Composer) Submit(ctx context.Context) (model.CreateRecordResp, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return model.CreateRecordResp{}, errs.NewValidation("compose surface is closed")
	case c.submitting:
		c.mu.Unlock()
		return model.CreateRecordResp{}, errs.NewValidation("a post is already being submitted")
	}
	c.submitting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	d, err := c.Draft()
	if err != nil {
		return model.CreateRecordResp{}, c.fail(err)
	}

	embed, err := c.resolveEmbed(ctx, d)
	if err != nil {
		return model.CreateRecordResp{}, c.fail(err)
	}

	rec := model.PostRecord{
		Text:      d.Text,
		CreatedAt: c.now(),
		Facets:    d.Facets,
		Embed:     embed,
	}
	out, err := c.pub.CreateRecord(ctx, rec)
	if err != nil {
		return model.CreateRecordResp{}, c.fail(err)
	}

	c.logger.Info("posted", zap.String("uri", out.URI), zap.String("embed", describeEmbed(embed)))
	c.notify.Notify("Posted to Bluesky!")
	if c.history != nil {
		if err := c.history.RecordPost(ctx, model.HistoryEntry{URI: out.URI, CID: out.CID, Text: d.Text, PostedAt: rec.CreatedAt}); err != nil {
			c.logger.Warn("recording post history failed", zap.String("uri", out.URI), zap.Error(err))
		}
	}
	c.reset()
	return out, nil
}

// ComposeAndSubmit replaces the compose state with text and attachments and
// submits it. The preview is refreshed first, without waiting for the quiet
// period.
func (c *Composer) ComposeAndSubmit(ctx context.Context, text string, attachments []model.Attachment) bool {
	c.mu.Lock()
	c.text = text
	c.images = nil
	c.mu.Unlock()
	c.previews.Unblock()

	if err := c.Attach(attachments...); err != nil {
		return false
	}
	c.RefreshPreview(ctx)
	_, err := c.Submit(ctx)
	return err == nil
}

func (c *Composer) fail(err error) error {
	c.notify.Notify(noticeFor(err))
	return err
}

func (c *Composer) reset() {
	c.mu.Lock()
	c.text = ""
	c.images = nil
	c.mu.Unlock()
	c.previews.Reset()
	c.previews.Unblock()
}

// resolveEmbed picks images over a link card; neither means no embed.
func (c *Composer) resolveEmbed(ctx context.Context, d *Draft) (model.Embed, error) {
	if len(d.Images) > 0 {
		images, err := c.uploadImages(ctx, d.Images)
		if err != nil {
			return nil, err
		}
		return model.ImageEmbed{Images: images}, nil
	}
	if d.Preview != nil {
		return c.externalEmbed(ctx, d.Preview), nil
	}
	return nil, nil
}

// uploadImages normalizes and uploads every attachment concurrently. The
// first failure cancels the rest; results keep attachment order.
func (c *Composer) uploadImages(ctx context.Context, files []model.Attachment) ([]model.Image, error) {
	images := make([]model.Image, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			n, err := media.Normalize(f)
			if err != nil {
				return errs.NewUpload(0, err)
			}
			blob, err := c.pub.UploadBlob(gctx, n.Data, n.MimeType)
			if err != nil {
				return err
			}
			images[i] = model.Image{
				Image:       blob,
				Alt:         "",
				AspectRatio: &model.AspectRatio{Width: n.Width, Height: n.Height},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// externalEmbed builds the link card. The thumbnail is best-effort.
func (c *Composer) externalEmbed(ctx context.Context, p *model.LinkPreview) model.ExternalEmbed {
	e := model.ExternalEmbed{URI: p.URL, Title: p.Title, Description: p.Description}
	if p.Image == "" {
		return e
	}
	data, mime, err := c.fetcher.FetchImage(ctx, p.Image)
	if err == nil {
		var blob model.Blob
		if blob, err = c.pub.UploadBlob(ctx, data, mime); err == nil {
			e.Thumb = &blob
			return e
		}
	}
	c.logger.Warn("link card thumbnail skipped", zap.String("image", p.Image), zap.Error(err))
	return e
}

func describeEmbed(e model.Embed) string {
	switch e := e.(type) {
	case nil:
		return "none"
	case model.ImageEmbed:
		return fmt.Sprintf("images(%d)", len(e.Images))
	case model.ExternalEmbed:
		return "external(" + e.URI + ")"
	}
	return fmt.Sprintf("%T", e)
}

func noticeFor(err error) string {
	switch {
	case errs.Is(err, errs.ErrValidation), errs.Is(err, errs.ErrConfiguration):
		return errs.MessageOf(err)
	case errs.Is(err, errs.ErrUpload):
		return "Image upload error: " + err.Error()
	case errs.Is(err, errs.ErrAuthentication):
		return "Login error: " + err.Error()
	}
	return "Post error: " + err.Error()
}
