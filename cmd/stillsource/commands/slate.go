package commands

import (
	"fmt"

	"github.com/bryanchriswhite/StillSource/internal/slate"
	"github.com/spf13/cobra"
)

var slateCmd = &cobra.Command{
	Use:   "slate OUTPUT",
	Short: "Render a test slate to a PNG file",
	Long: `Render color bars with a grey ramp and a caption, the same slate the
API creates with POST /api/images/slate.`,
	Example: `  # 1080p slate with the default caption
  stillsource slate bars.png

  # Captioned 720p slate
  stillsource slate --text "Camera 2" --width 1280 --height 720 cam2.png`,
	Args: cobra.ExactArgs(1),
	RunE: runSlate,
}

var slateOpts slate.Options

func init() {
	rootCmd.AddCommand(slateCmd)

	slateCmd.Flags().StringVar(&slateOpts.Text, "text", "", "caption drawn on the slate")
	slateCmd.Flags().IntVar(&slateOpts.Width, "width", 1920, "slate width in pixels")
	slateCmd.Flags().IntVar(&slateOpts.Height, "height", 1080, "slate height in pixels")
}

func runSlate(cmd *cobra.Command, args []string) error {
	if err := slate.WritePNG(args[0], slateOpts); err != nil {
		return err
	}
	fmt.Printf("✅ Slate written: %s (%dx%d)\n", args[0], slateOpts.Width, slateOpts.Height)
	return nil
}
