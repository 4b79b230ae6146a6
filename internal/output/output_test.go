package output

import (
	"bufio"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/StillSource/internal/colorspace"
)

func testFrame(w, h int, version uint64) *Frame {
	stride := colorspace.PackedStride(w)
	data := make([]byte, stride*h)
	for i := range data {
		data[i] = 128
	}
	return &Frame{
		Data:        data,
		Stride:      stride,
		Width:       w,
		Height:      h,
		FourCC:      FourCCUYVY,
		Format:      FrameFormatProgressive,
		FrameRateN:  30,
		FrameRateD:  1,
		AspectRatio: float32(w) / float32(h),
		Timecode:    TimecodeSynthesize,
		Version:     version,
	}
}

func TestFourCCString(t *testing.T) {
	if got := FourCCUYVY.String(); got != "UYVY" {
		t.Errorf("FourCCUYVY = %q, want UYVY", got)
	}
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Frame)
		ok     bool
	}{
		{"valid", func(*Frame) {}, true},
		{"zero width", func(f *Frame) { f.Width = 0 }, false},
		{"short stride", func(f *Frame) { f.Stride = 2 }, false},
		{"odd width padded stride", func(f *Frame) { f.Width = 3 }, true},
		{"short data", func(f *Frame) { f.Data = f.Data[:3] }, false},
		{"wrong fourcc", func(f *Frame) { f.FourCC = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testFrame(4, 2, 1)
			tt.mutate(f)
			err := f.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("Validate() = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestNewSelectsTransport(t *testing.T) {
	for typ, want := range map[string]string{
		"":        "MJPEG HTTP Stream",
		"mjpeg":   "MJPEG HTTP Stream",
		"ffmpeg":  "ffmpeg subprocess",
		"discard": "discard",
	} {
		tr, err := New(Config{Type: typ})
		if err != nil {
			t.Fatalf("New(%q): %v", typ, err)
		}
		if tr.Name() != want {
			t.Errorf("New(%q).Name() = %q, want %q", typ, tr.Name(), want)
		}
	}
	if _, err := New(Config{Type: "ndi"}); err == nil {
		t.Error("New(ndi) succeeded, want error")
	}
}

func TestDiscardCountsFrames(t *testing.T) {
	d := NewDiscardTransport()
	s, err := d.CreateSender(Identity{Code: "a", Name: "A"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Send(testFrame(2, 2, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if got := d.Frames("a"); got != 3 {
		t.Errorf("Frames = %d, want 3", got)
	}
	s.Destroy()
	if got := d.Frames("a"); got != 0 {
		t.Errorf("Frames after Destroy = %d, want 0", got)
	}
}

func TestMJPEGStreamDeliversFrames(t *testing.T) {
	m := NewMJPEGTransport(MJPEGConfig{Quality: 80})
	s, err := m.CreateSender(Identity{Code: "cam", Name: "Cam"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Destroy()

	if _, err := m.CreateSender(Identity{Code: "cam"}); err == nil {
		t.Error("duplicate CreateSender succeeded")
	}

	// Sent before any client connects; must be delivered on connect
	if err := s.Send(testFrame(16, 8, 1)); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(m.StreamHandler(func(r *http.Request) string {
		return strings.TrimPrefix(r.URL.Path, "/")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cam")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	mr := multipart.NewReader(bufio.NewReader(resp.Body), params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatalf("part is not a JPEG (%d bytes)", len(data))
	}

	stats, ok := m.Stats("cam")
	if !ok || stats.Frames != 1 || stats.Encoded != 1 || stats.Clients != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMJPEGUnknownSender(t *testing.T) {
	m := NewMJPEGTransport(MJPEGConfig{})
	rec := httptest.NewRecorder()
	m.StreamHandler(func(*http.Request) string { return "nope" })(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMJPEGSendAfterDestroyFails(t *testing.T) {
	m := NewMJPEGTransport(MJPEGConfig{})
	s, _ := m.CreateSender(Identity{Code: "x"})
	s.Destroy()
	if err := s.Send(testFrame(2, 2, 1)); err == nil {
		t.Error("Send after Destroy succeeded")
	}
	if err := s.Destroy(); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}

func TestExpandOutput(t *testing.T) {
	got := ExpandOutput("srt://host:9000?streamid={code}&name={name}", Identity{Code: "cam1", Name: "Camera"})
	if want := "srt://host:9000?streamid=cam1&name=Camera"; got != want {
		t.Errorf("ExpandOutput = %q, want %q", got, want)
	}
}

// fakeFFmpeg writes a script that copies stdin to its last argument.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\ncat > \"$last\"\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFFmpegPipesRawFrames(t *testing.T) {
	out := filepath.Join(t.TempDir(), "{code}.uyvy")
	tr := NewFFmpegTransport(FFmpegConfig{Binary: fakeFFmpeg(t), Output: out})

	s, err := tr.CreateSender(Identity{Code: "feed", Name: "Feed"})
	if err != nil {
		t.Fatal(err)
	}

	frame := testFrame(3, 2, 1)
	for i := 0; i < 4; i++ {
		if err := s.Send(frame); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := s.Destroy(); err != nil {
		t.Fatal(err)
	}

	path := strings.Replace(out, "{code}", "feed", 1)
	var info os.FileInfo
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err = os.Stat(path)
		if err == nil && info.Size() == int64(4*len(frame.Data)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %v, %v; want %d bytes", info, err, 4*len(frame.Data))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFFmpegArgs(t *testing.T) {
	s := &ffmpegSender{
		config: FFmpegConfig{Format: "mpegts", Args: []string{"-c:v", "mpeg2video"}},
		output: "udp://127.0.0.1:5000",
	}
	got := strings.Join(s.args(rawGeometry{width: 4, height: 2, rateN: 30000, rateD: 1001}), " ")
	for _, want := range []string{"-pixel_format uyvy422", "-video_size 4x2", "-framerate 30000/1001", "-c:v mpeg2video", "-f mpegts udp://127.0.0.1:5000"} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
}

func TestFFmpegMissingBinary(t *testing.T) {
	tr := NewFFmpegTransport(FFmpegConfig{Binary: "/nonexistent/ffmpeg"})
	if _, err := tr.CreateSender(Identity{Code: "a"}); err == nil {
		t.Error("CreateSender succeeded with missing binary")
	}
}
