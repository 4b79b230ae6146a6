// Package registry maps stable codes to images and the senders showing
// them, persists both as JSON next to the images, and makes sure no image
// is released while a sender still points at it.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/StillSource/internal/imagesource"
	"github.com/bryanchriswhite/StillSource/internal/logger"
	"github.com/bryanchriswhite/StillSource/internal/output"
	"github.com/bryanchriswhite/StillSource/internal/slate"
	"github.com/bryanchriswhite/StillSource/internal/worker"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("code already exists")
	ErrInUse    = errors.New("image is in use by a sender")
	ErrInvalid  = errors.New("invalid request")
)

// ImageInfo describes a registered image.
type ImageInfo struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	URL    string `json:"url"`
}

// SenderInfo describes a configured sender and its runtime state.
type SenderInfo struct {
	Code                 string    `json:"code"`
	Name                 string    `json:"name"`
	FrameRateNumerator   int       `json:"frame_rate_numerator"`
	FrameRateDenominator int       `json:"frame_rate_denominator"`
	SendActualFrameRate  bool      `json:"send_actual_frame_rate"`
	ImageSourceCode      string    `json:"image_source_code"`
	ImageName            string    `json:"image_name"`
	Running              bool      `json:"running"`
	FramesSent           uint64    `json:"frames_sent"`
	LastSent             time.Time `json:"last_sent,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
	Session              string    `json:"session,omitempty"`
}

// SetupRequest creates a sender or repoints an existing one.
type SetupRequest struct {
	Name                 string `json:"name"`
	SenderCode           string `json:"sender_code"`
	ImageSourceCode      string `json:"image_source_code"`
	SendActualFrameRate  bool   `json:"send_actual_frame_rate"`
	FrameRateNumerator   int    `json:"frame_rate_numerator"`
	FrameRateDenominator int    `json:"frame_rate_denominator"`
}

type senderEntry struct {
	record SenderRecord
	worker *worker.Worker
}

// Registry is the sole owner of image sources and workers.
type Registry struct {
	root      string
	transport output.Transport
	intervals worker.Intervals
	defaults  worker.Settings
	decoder   imagesource.Decoder
	log       *zerolog.Logger

	mu      sync.RWMutex
	images  map[string]*imagesource.Source
	senders map[string]*senderEntry

	lmu       sync.RWMutex
	listeners []chan Event
}

// Option configures a Registry.
type Option func(*Registry)

// WithIntervals sets the cadences used by every worker.
func WithIntervals(i worker.Intervals) Option {
	return func(r *Registry) { r.intervals = i }
}

// WithDefaults sets the frame rate used when a setup request omits one.
func WithDefaults(s worker.Settings) Option {
	return func(r *Registry) { r.defaults = s }
}

// WithDecoder replaces the image decoder, mostly for tests.
func WithDecoder(d imagesource.Decoder) Option {
	return func(r *Registry) { r.decoder = d }
}

// New creates an empty registry storing files under root.
func New(root string, transport output.Transport, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image root: %w", err)
	}

	r := &Registry{
		root:      root,
		transport: transport,
		intervals: worker.Intervals{Heartbeat: worker.DefaultHeartbeat, Fast: worker.DefaultFast},
		defaults:  worker.Settings{FrameRateNumerator: 30000, FrameRateDenominator: 1001},
		images:    make(map[string]*imagesource.Source),
		senders:   make(map[string]*senderEntry),
		log:       logger.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the image directory.
func (r *Registry) Root() string { return r.root }

func (r *Registry) newSource(code, name, path string) *imagesource.Source {
	opts := []imagesource.Option{imagesource.WithRoot(r.root)}
	if r.decoder != nil {
		opts = append(opts, imagesource.WithDecoder(r.decoder))
	}
	return imagesource.New(code, name, path, opts...)
}

func (r *Registry) newWorker(rec SenderRecord) *worker.Worker {
	return worker.New(rec.Code, rec.Name, rec.Settings(), r.transport,
		worker.WithIntervals(r.intervals),
		worker.WithFailureHandler(r.onWorkerFailed))
}

func (r *Registry) onWorkerFailed(code string, err error) {
	r.log.Error().Err(err).Str("code", code).Msg("Sender failed")
	r.publish(EventSenderFailed, code, err)
}

func validCode(code string) bool {
	return code != "" && code != "." && code != ".." && !strings.ContainsAny(code, `/\`)
}

// Load restores images and senders persisted under the root and restarts
// every sender whose image still exists.
func (r *Registry) Load() error {
	images, err := ReadImageRecords(r.root)
	if err != nil {
		return err
	}
	senders, err := ReadSenderRecords(r.root)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for code, rec := range images {
		if rec.Code == "" {
			rec.Code = code
		}
		r.images[rec.Code] = r.newSource(rec.Code, rec.Name, rec.Path)
	}

	for code, rec := range senders {
		if rec.Code == "" {
			rec.Code = code
		}
		src, ok := r.images[rec.ImageSourceCode]
		if !ok {
			r.log.Warn().
				Str("code", rec.Code).
				Str("image", rec.ImageSourceCode).
				Msg("Skipping sender with unknown image")
			continue
		}
		w := r.newWorker(rec)
		if err := w.Assign(src); err != nil {
			w.Dispose()
			r.log.Error().Err(err).Str("code", rec.Code).Msg("Failed to start sender")
			continue
		}
		r.senders[rec.Code] = &senderEntry{record: rec, worker: w}
	}

	r.log.Info().
		Int("images", len(r.images)).
		Int("senders", len(r.senders)).
		Str("root", r.root).
		Msg("Registry loaded")
	return nil
}

// Close stops every sender, then releases every image.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.senders {
		e.worker.Dispose()
	}
	r.senders = make(map[string]*senderEntry)

	var errs []error
	for _, src := range r.images {
		errs = append(errs, src.Dispose())
	}
	r.images = make(map[string]*imagesource.Source)
	return errors.Join(errs...)
}

// AddImage stores an uploaded file as <code><ext> under the root and
// registers it. A blank code is replaced by a generated one.
func (r *Registry) AddImage(code, name, filename string, data io.Reader) (ImageInfo, error) {
	code = strings.TrimSpace(code)
	name = strings.TrimSpace(name)
	if code == "" {
		code = uuid.NewString()
	}
	if name == "" || data == nil {
		return ImageInfo{}, fmt.Errorf("%w: name and image are required", ErrInvalid)
	}
	if !validCode(code) {
		return ImageInfo{}, fmt.Errorf("%w: code %q", ErrInvalid, code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.images[code]; exists {
		return ImageInfo{}, fmt.Errorf("%w: image %s", ErrConflict, code)
	}

	file := code + strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(r.root, file)

	f, err := os.Create(path)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to store image: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(path)
		return ImageInfo{}, fmt.Errorf("failed to store image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return ImageInfo{}, fmt.Errorf("failed to store image: %w", err)
	}

	src := r.newSource(code, name, file)
	r.images[code] = src
	if err := r.saveImagesLocked(); err != nil {
		delete(r.images, code)
		src.Dispose()
		os.Remove(path)
		return ImageInfo{}, err
	}

	r.log.Info().Str("code", code).Str("name", name).Str("path", file).Msg("Image added")
	r.publish(EventImageAdded, code, nil)
	return imageInfo(src), nil
}

// AddSlate renders a colour-bar card captioned with text and registers it
// like an upload. Zero sizes default to 1920x1080.
func (r *Registry) AddSlate(code, name, text string, width, height int) (ImageInfo, error) {
	if width == 0 && height == 0 {
		width, height = 1920, 1080
	}
	if width <= 0 || height <= 0 || width > 8192 || height > 8192 {
		return ImageInfo{}, fmt.Errorf("%w: slate size %dx%d", ErrInvalid, width, height)
	}
	if text == "" {
		text = name
	}

	var buf bytes.Buffer
	if err := slate.EncodePNG(&buf, slate.Options{Width: width, Height: height, Text: text}); err != nil {
		return ImageInfo{}, err
	}
	return r.AddImage(code, name, "slate.png", &buf)
}

func imageInfo(src *imagesource.Source) ImageInfo {
	return ImageInfo{
		Code:   src.Code(),
		Name:   src.Name(),
		Path:   src.Path(),
		Width:  src.Width(),
		Height: src.Height(),
		URL:    "/api/images/" + src.Code(),
	}
}

// ListImages returns every image sorted by code.
func (r *Registry) ListImages() []ImageInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ImageInfo, 0, len(r.images))
	for _, src := range r.images {
		out = append(out, imageInfo(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ImageFile returns the file backing an image and its content type.
func (r *Registry) ImageFile(code string) (path, contentType string, err error) {
	r.mu.RLock()
	src, ok := r.images[code]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: image %s", ErrNotFound, code)
	}
	return src.ResolvedPath(), ContentType(src.Path()), nil
}

// ContentType maps an image file extension to its MIME type.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// DeleteImage releases an image and removes its file. It refuses while any
// sender still references the image.
func (r *Registry) DeleteImage(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.images[code]
	if !ok {
		return fmt.Errorf("%w: image %s", ErrNotFound, code)
	}
	for _, e := range r.senders {
		if e.record.ImageSourceCode == code {
			return fmt.Errorf("%w: %s is shown by sender %s", ErrInUse, code, e.record.Code)
		}
	}

	delete(r.images, code)
	if err := src.Dispose(); err != nil {
		r.log.Warn().Err(err).Str("code", code).Msg("Failed to release image")
	}
	if !filepath.IsAbs(src.Path()) {
		if err := os.Remove(src.ResolvedPath()); err != nil && !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("code", code).Msg("Failed to remove image file")
		}
	}
	if err := r.saveImagesLocked(); err != nil {
		return err
	}

	r.log.Info().Str("code", code).Msg("Image deleted")
	r.publish(EventImageDeleted, code, nil)
	return nil
}

// SetupSender creates a sender showing the requested image, or updates an
// existing one in place without interrupting its output.
func (r *Registry) SetupSender(req SetupRequest) (SenderInfo, error) {
	req.SenderCode = strings.TrimSpace(req.SenderCode)
	req.Name = strings.TrimSpace(req.Name)
	if !validCode(req.SenderCode) {
		return SenderInfo{}, fmt.Errorf("%w: sender code %q", ErrInvalid, req.SenderCode)
	}
	if req.Name == "" {
		req.Name = req.SenderCode
	}

	settings := worker.Settings{
		FrameRateNumerator:   req.FrameRateNumerator,
		FrameRateDenominator: req.FrameRateDenominator,
		SendActualFrameRate:  req.SendActualFrameRate,
	}
	if settings.FrameRateNumerator <= 0 || settings.FrameRateDenominator <= 0 {
		settings.FrameRateNumerator = r.defaults.FrameRateNumerator
		settings.FrameRateDenominator = r.defaults.FrameRateDenominator
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.images[req.ImageSourceCode]
	if !ok {
		return SenderInfo{}, fmt.Errorf("%w: image %s", ErrNotFound, req.ImageSourceCode)
	}

	rec := SenderRecord{
		Code:                 req.SenderCode,
		Name:                 req.Name,
		ImageSourceCode:      req.ImageSourceCode,
		SendActualFrameRate:  settings.SendActualFrameRate,
		FrameRateNumerator:   settings.FrameRateNumerator,
		FrameRateDenominator: settings.FrameRateDenominator,
	}

	e, exists := r.senders[rec.Code]
	if exists && e.record.Name != rec.Name {
		// The bus identity is fixed when the sender is created
		e.worker.Dispose()
		exists = false
	}

	if exists {
		e.worker.Configure(settings)
		err := e.worker.Assign(src)
		if errors.Is(err, worker.ErrStopped) {
			e.worker.Dispose()
			exists = false
		} else if err != nil {
			return SenderInfo{}, err
		} else {
			e.record = rec
		}
	}

	if !exists {
		w := r.newWorker(rec)
		if err := w.Assign(src); err != nil {
			w.Dispose()
			delete(r.senders, rec.Code)
			return SenderInfo{}, err
		}
		e = &senderEntry{record: rec, worker: w}
		r.senders[rec.Code] = e
	}

	if err := r.saveSendersLocked(); err != nil {
		return SenderInfo{}, err
	}

	r.log.Info().
		Str("code", rec.Code).
		Str("image", rec.ImageSourceCode).
		Int("rate_n", settings.FrameRateNumerator).
		Int("rate_d", settings.FrameRateDenominator).
		Bool("actual_rate", settings.SendActualFrameRate).
		Msg("Sender set up")
	r.publish(EventSenderSetup, rec.Code, nil)
	return r.senderInfoLocked(e), nil
}

// StopSender stops and forgets a sender.
func (r *Registry) StopSender(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.senders[code]
	if !ok {
		return fmt.Errorf("%w: sender %s", ErrNotFound, code)
	}
	delete(r.senders, code)
	e.worker.Dispose()

	if err := r.saveSendersLocked(); err != nil {
		return err
	}

	r.log.Info().Str("code", code).Msg("Sender stopped")
	r.publish(EventSenderStopped, code, nil)
	return nil
}

// ListSenders returns every sender sorted by code.
func (r *Registry) ListSenders() []SenderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SenderInfo, 0, len(r.senders))
	for _, e := range r.senders {
		out = append(out, r.senderInfoLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Sender returns one sender.
func (r *Registry) Sender(code string) (SenderInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.senders[code]
	if !ok {
		return SenderInfo{}, fmt.Errorf("%w: sender %s", ErrNotFound, code)
	}
	return r.senderInfoLocked(e), nil
}

func (r *Registry) senderInfoLocked(e *senderEntry) SenderInfo {
	stats := e.worker.Stats()
	info := SenderInfo{
		Code:                 e.record.Code,
		Name:                 e.record.Name,
		FrameRateNumerator:   e.record.FrameRateNumerator,
		FrameRateDenominator: e.record.FrameRateDenominator,
		SendActualFrameRate:  e.record.SendActualFrameRate,
		ImageSourceCode:      e.record.ImageSourceCode,
		Running:              e.worker.State() == worker.StateRunning,
		FramesSent:           stats.FramesSent,
		LastSent:             stats.LastSent,
		LastError:            stats.LastError,
		Session:              stats.Session,
	}
	if src, ok := r.images[e.record.ImageSourceCode]; ok {
		info.ImageName = src.Name()
	}
	return info
}

func (r *Registry) saveImagesLocked() error {
	records := make(map[string]ImageRecord, len(r.images))
	for code, src := range r.images {
		records[code] = ImageRecord{Code: code, Name: src.Name(), Path: src.Path()}
	}
	if err := writeRecords(filepath.Join(r.root, imagesFile), records); err != nil {
		return fmt.Errorf("failed to save images: %w", err)
	}
	return nil
}

func (r *Registry) saveSendersLocked() error {
	records := make(map[string]SenderRecord, len(r.senders))
	for code, e := range r.senders {
		records[code] = e.record
	}
	if err := writeRecords(filepath.Join(r.root, sendersFile), records); err != nil {
		return fmt.Errorf("failed to save senders: %w", err)
	}
	return nil
}
