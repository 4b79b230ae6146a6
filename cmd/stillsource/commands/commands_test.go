package commands

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func execute(t *testing.T, args ...string) {
	t.Helper()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("stillsource %v: %v", args, err)
	}
}

func TestConvertWritesPlanes(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")

	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 128})
		}
	}
	f, err := os.Create(in)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	prefix := filepath.Join(dir, "out")
	execute(t, "convert", in, prefix, "--preview")

	packed, err := os.ReadFile(prefix + ".uyvy")
	if err != nil {
		t.Fatal(err)
	}
	// 3 pixels wide pads to two macropixels per row
	if len(packed) != 16 {
		t.Errorf("packed plane = %d bytes, want 16", len(packed))
	}
	alpha, err := os.ReadFile(prefix + ".alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(alpha) != 6 || alpha[0] != 128 {
		t.Errorf("alpha plane = %v", alpha)
	}
	if _, err := os.Stat(prefix + ".jpg"); err != nil {
		t.Errorf("preview missing: %v", err)
	}
}

func TestSlateCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bars.png")
	execute(t, "slate", "--width", "160", "--height", "90", out)

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 160 || cfg.Height != 90 {
		t.Errorf("slate = %dx%d, want 160x90", cfg.Width, cfg.Height)
	}
}
