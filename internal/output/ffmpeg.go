package output

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/StillSource/internal/logger"
)

// FFmpegTransport pipes raw UYVY frames into one ffmpeg process per sender.
// ffmpeg handles encoding and delivery to whatever output URL is configured
// (udp://, srt://, rtmp://, a file, ...).
type FFmpegTransport struct {
	config FFmpegConfig
}

// NewFFmpegTransport creates a transport that spawns ffmpeg subprocesses
func NewFFmpegTransport(config FFmpegConfig) *FFmpegTransport {
	if config.Binary == "" {
		config.Binary = "ffmpeg"
	}
	if config.Format == "" {
		config.Format = "mpegts"
	}
	if config.Output == "" {
		config.Output = "udp://127.0.0.1:5000"
	}
	return &FFmpegTransport{config: config}
}

func (f *FFmpegTransport) CreateSender(id Identity) (Sender, error) {
	if _, err := exec.LookPath(f.config.Binary); err != nil {
		return nil, fmt.Errorf("ffmpeg binary %q not found: %w", f.config.Binary, err)
	}
	return &ffmpegSender{
		id:     id,
		config: f.config,
		output: ExpandOutput(f.config.Output, id),
	}, nil
}

func (f *FFmpegTransport) Name() string { return "ffmpeg subprocess" }

func (f *FFmpegTransport) Close() error { return nil }

// ExpandOutput substitutes {code} and {name} in an output URL template.
func ExpandOutput(template string, id Identity) string {
	return strings.NewReplacer("{code}", id.Code, "{name}", id.Name).Replace(template)
}

// rawGeometry is what the running ffmpeg process was started with.
type rawGeometry struct {
	width, height int
	rateN, rateD  int
}

type ffmpegSender struct {
	id     Identity
	config FFmpegConfig
	output string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	geom   rawGeometry
	exited chan struct{}
}

// args returns the ffmpeg command line for the given input geometry.
func (s *ffmpegSender) args(g rawGeometry) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pixel_format", "uyvy422",
		"-video_size", fmt.Sprintf("%dx%d", g.width, g.height),
		"-framerate", fmt.Sprintf("%d/%d", g.rateN, g.rateD),
		"-i", "-",
	}
	args = append(args, s.config.Args...)
	args = append(args, "-f", s.config.Format, s.output)
	return args
}

func (s *ffmpegSender) Send(frame *Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	// uyvy422 rows are read as stride/2 pixels, which includes the pad
	// pixel of odd widths
	g := rawGeometry{
		width:  frame.Stride / 2,
		height: frame.Height,
		rateN:  frame.FrameRateN,
		rateD:  frame.FrameRateD,
	}
	if g.rateN <= 0 || g.rateD <= 0 {
		g.rateN, g.rateD = 30, 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil && s.geom != g {
		s.stopLocked()
	}
	if s.cmd == nil {
		if err := s.startLocked(g); err != nil {
			return err
		}
	}

	select {
	case <-s.exited:
		s.stopLocked()
		return fmt.Errorf("ffmpeg for %s exited unexpectedly", s.id.Code)
	default:
	}

	if _, err := s.stdin.Write(frame.Data[:frame.Stride*frame.Height]); err != nil {
		s.stopLocked()
		return fmt.Errorf("failed to write frame to ffmpeg: %w", err)
	}
	return nil
}

func (s *ffmpegSender) startLocked(g rawGeometry) error {
	log := logger.WithComponent("transport-ffmpeg")

	cmd := exec.Command(s.config.Binary, s.args(g)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	cmd.Stderr = &stderrLogger{code: s.id.Code}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.geom = g
	s.exited = make(chan struct{})

	go func(cmd *exec.Cmd, exited chan struct{}) {
		err := cmd.Wait()
		if err != nil {
			log.Debug().Err(err).Str("code", s.id.Code).Msg("ffmpeg exited")
		}
		close(exited)
	}(cmd, s.exited)

	log.Info().
		Str("code", s.id.Code).
		Int("pid", cmd.Process.Pid).
		Str("output", s.output).
		Int("width", g.width).
		Int("height", g.height).
		Msg("ffmpeg started")
	return nil
}

// stderrLogger forwards ffmpeg diagnostics to the log, one entry per line.
type stderrLogger struct {
	code string
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	log := logger.WithComponent("transport-ffmpeg")
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			log.Warn().Str("code", l.code).Msg(line)
		}
	}
	return len(p), nil
}

// stopLocked closes stdin so ffmpeg can flush, then kills it if it lingers.
func (s *ffmpegSender) stopLocked() {
	if s.cmd == nil {
		return
	}

	s.stdin.Close()
	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
		s.cmd.Process.Kill()
		<-s.exited
	}

	logger.WithComponent("transport-ffmpeg").Info().
		Str("code", s.id.Code).
		Int("pid", s.cmd.Process.Pid).
		Msg("ffmpeg stopped")

	s.cmd = nil
	s.stdin = nil
	s.exited = nil
}

func (s *ffmpegSender) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}
