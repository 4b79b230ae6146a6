package commands

import (
	"fmt"
	"image/jpeg"
	"os"

	"github.com/bryanchriswhite/StillSource/internal/colorspace"
	"github.com/bryanchriswhite/StillSource/internal/imagesource"
	"github.com/spf13/cobra"
)

var convertCmd = &cobra.Command{
	Use:   "convert IMAGE PREFIX",
	Short: "Convert an image to raw UYVY planes",
	Long: `Decode an image and write the exact planes a sender would transmit.

PREFIX.uyvy receives the packed 4:2:2 plane, row stride (width+1)/2*4.
PREFIX.alpha receives one alpha byte per pixel unless --no-alpha is given.
With --preview, PREFIX.jpg is encoded back from the UYVY plane for a quick
visual check.`,
	Example: `  # Convert a logo
  stillsource convert logo.png /tmp/logo

  # Inspect the round trip
  stillsource convert logo.png /tmp/logo --preview`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

var (
	convertNoAlpha bool
	convertPreview bool
)

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().BoolVar(&convertNoAlpha, "no-alpha", false, "skip the alpha plane")
	convertCmd.Flags().BoolVar(&convertPreview, "preview", false, "also write PREFIX.jpg decoded from the UYVY plane")
}

func runConvert(cmd *cobra.Command, args []string) error {
	src, err := imagesource.FileDecoder{}.Decode(args[0])
	if err != nil {
		return err
	}
	prefix := args[1]

	width, height := src.Bounds().Dx(), src.Bounds().Dy()
	packed := make([]byte, colorspace.PackedSize(width, height))
	var alpha []byte
	if !convertNoAlpha {
		alpha = make([]byte, colorspace.AlphaSize(width, height))
	}
	colorspace.ConvertRGBAToUYVY(src, packed, alpha)

	if err := os.WriteFile(prefix+".uyvy", packed, 0644); err != nil {
		return fmt.Errorf("failed to write packed plane: %w", err)
	}
	if alpha != nil {
		if err := os.WriteFile(prefix+".alpha", alpha, 0644); err != nil {
			return fmt.Errorf("failed to write alpha plane: %w", err)
		}
	}

	if convertPreview {
		f, err := os.Create(prefix + ".jpg")
		if err != nil {
			return err
		}
		img := colorspace.ToYCbCr(packed, colorspace.PackedStride(width), width, height)
		if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode preview: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	fmt.Printf("%s: %dx%d, stride %d, %d bytes packed",
		args[0], width, height, colorspace.PackedStride(width), len(packed))
	if alpha != nil {
		fmt.Printf(", %d bytes alpha", len(alpha))
	}
	fmt.Println()
	return nil
}
