package output

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/StillSource/internal/colorspace"
	"github.com/bryanchriswhite/StillSource/internal/logger"
)

// X11Transport shows every sender in its own X11 window. It is meant for
// checking a picture on the machine running the server.
type X11Transport struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	setup  *xproto.SetupInfo
}

// NewX11Transport connects to the X server named by $DISPLAY
func NewX11Transport() (*X11Transport, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	return &X11Transport{
		conn:   conn,
		screen: setup.DefaultScreen(conn),
		setup:  setup,
	}, nil
}

func (x *X11Transport) CreateSender(id Identity) (Sender, error) {
	return &x11Sender{id: id, owner: x}, nil
}

func (x *X11Transport) Name() string { return "X11 preview window" }

func (x *X11Transport) Close() error {
	x.conn.Close()
	return nil
}

// pixmapFormat returns bits per pixel and scanline pad for the root depth
func (x *X11Transport) pixmapFormat() (bitsPerPixel, scanlinePad uint8, err error) {
	for _, format := range x.setup.PixmapFormats {
		if format.Depth == x.screen.RootDepth {
			return format.BitsPerPixel, format.ScanlinePad, nil
		}
	}
	return 0, 0, fmt.Errorf("no format found for depth %d", x.screen.RootDepth)
}

// x11Redraw bounds how stale an unchanged window may get
const x11Redraw = 500 * time.Millisecond

type x11Sender struct {
	id    Identity
	owner *X11Transport

	mu          sync.Mutex
	window      xproto.Window
	gc          xproto.Gcontext
	width       int
	height      int
	lastVersion uint64
	lastPut     time.Time
	pixels      []byte
	rowBytes    int
}

func (s *x11Sender) Send(frame *Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if frame.Width > 0xffff || frame.Height > 0xffff {
		return fmt.Errorf("%w: %dx%d exceeds X11 limits", ErrInvalidFrame, frame.Width, frame.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window == 0 {
		if err := s.createWindowLocked(frame.Width, frame.Height); err != nil {
			return err
		}
	} else if frame.Width != s.width || frame.Height != s.height {
		if err := s.resizeLocked(frame.Width, frame.Height); err != nil {
			return err
		}
		s.pixels = nil
	}

	if s.pixels != nil && frame.Version == s.lastVersion && time.Since(s.lastPut) < x11Redraw {
		return nil
	}
	if s.pixels == nil || frame.Version != s.lastVersion {
		if err := s.convertLocked(frame); err != nil {
			return err
		}
		s.lastVersion = frame.Version
	}
	return s.putImageLocked()
}

func (s *x11Sender) createWindowLocked(width, height int) error {
	conn, screen := s.owner.conn, s.owner.screen

	windowID, err := xproto.NewWindowId(conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	if err := xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		windowID,
		screen.Root,
		0, 0,
		uint16(width), uint16(height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check(); err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	s.window = windowID

	title := "StillSource - " + s.id.Name
	xproto.ChangeProperty(conn, xproto.PropModeReplace, s.window,
		xproto.AtomWmName, xproto.AtomString, 8, uint32(len(title)), []byte(title))

	if err := xproto.MapWindowChecked(conn, s.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, gc, xproto.Drawable(s.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	s.gc = gc
	s.width, s.height = width, height

	logger.WithComponent("transport-x11").Info().
		Str("code", s.id.Code).
		Uint32("window_id", uint32(s.window)).
		Int("width", width).
		Int("height", height).
		Msg("Preview window created")
	return nil
}

func (s *x11Sender) resizeLocked(width, height int) error {
	err := xproto.ConfigureWindowChecked(s.owner.conn, s.window,
		xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{uint32(width), uint32(height)}).Check()
	if err != nil {
		return fmt.Errorf("failed to resize window: %w", err)
	}
	s.width, s.height = width, height
	return nil
}

// convertLocked renders the UYVY frame into the server's ZPixmap layout
func (s *x11Sender) convertLocked(frame *Frame) error {
	bitsPerPixel, scanlinePad, err := s.owner.pixmapFormat()
	if err != nil {
		return err
	}
	data, rowBytes, err := packZPixmap(frame, bitsPerPixel, scanlinePad)
	if err != nil {
		return err
	}
	s.pixels = data
	s.rowBytes = rowBytes
	return nil
}

// packZPixmap converts a UYVY frame to BGR(X) rows of 24 or 32 bits per
// pixel, each row padded to scanlinePad bits. The fourth byte of 32-bit
// pixels is left zero.
func packZPixmap(frame *Frame, bitsPerPixel, scanlinePad uint8) ([]byte, int, error) {
	bytesPerPixel := int(bitsPerPixel) / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return nil, 0, fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}

	ycbcr := colorspace.ToYCbCr(frame.Data, frame.Stride, frame.Width, frame.Height)
	rgba := image.NewRGBA(ycbcr.Bounds())
	draw.Draw(rgba, rgba.Bounds(), ycbcr, image.Point{}, draw.Src)

	padBytes := int(scanlinePad) / 8
	if padBytes < 1 {
		padBytes = 1
	}
	unpadded := frame.Width * bytesPerPixel
	stride := ((unpadded + padBytes - 1) / padBytes) * padBytes

	data := make([]byte, stride*frame.Height)
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			src := y*rgba.Stride + x*4
			dst := y*stride + x*bytesPerPixel
			data[dst] = rgba.Pix[src+2]
			data[dst+1] = rgba.Pix[src+1]
			data[dst+2] = rgba.Pix[src]
		}
	}
	return data, stride, nil
}

// putImageLocked uploads the converted pixels in bands that fit the
// server's maximum request length
func (s *x11Sender) putImageLocked() error {
	conn := s.owner.conn
	maxBytes := int(s.owner.setup.MaximumRequestLength)*4 - 28
	rows := maxBytes / s.rowBytes
	if rows < 1 {
		return fmt.Errorf("row of %d bytes exceeds X11 request limit", s.rowBytes)
	}

	for y := 0; y < s.height; y += rows {
		n := rows
		if y+n > s.height {
			n = s.height - y
		}
		err := xproto.PutImageChecked(
			conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(s.window),
			s.gc,
			uint16(s.width), uint16(n),
			0, int16(y),
			0,
			s.owner.screen.RootDepth,
			s.pixels[y*s.rowBytes:(y+n)*s.rowBytes],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}

	s.lastPut = time.Now()
	return nil
}

func (s *x11Sender) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window == 0 {
		return nil
	}
	xproto.FreeGC(s.owner.conn, s.gc)
	xproto.DestroyWindow(s.owner.conn, s.window)
	s.owner.conn.Sync()

	logger.WithComponent("transport-x11").Info().
		Str("code", s.id.Code).
		Msg("Preview window closed")

	s.window = 0
	s.gc = 0
	s.pixels = nil
	return nil
}
