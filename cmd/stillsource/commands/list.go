package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/bryanchriswhite/StillSource/internal/registry"
	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List registered images",
	Long: `List the images persisted in the image root.

This reads the registry files directly, so it works whether or not a
server is running.`,
	Example: `  # List images in table format (default)
  stillsource images

  # List images in JSON format
  stillsource images --format json`,
	RunE: runImages,
}

var sendersCmd = &cobra.Command{
	Use:   "senders",
	Short: "List configured senders",
	Long: `List the senders persisted in the image root along with the image each
one transmits.`,
	Example: `  # List senders in table format (default)
  stillsource senders

  # List senders in JSON format
  stillsource senders --format json`,
	RunE: runSenders,
}

var listFormat string

func init() {
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(sendersCmd)

	imagesCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
	sendersCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
}

func imageRoot() (string, error) {
	configMgr, err := loadConfig()
	if err != nil {
		return "", err
	}
	return configMgr.Get().ImageRoot, nil
}

func runImages(cmd *cobra.Command, args []string) error {
	root, err := imageRoot()
	if err != nil {
		return err
	}

	records, err := registry.ReadImageRecords(root)
	if err != nil {
		return fmt.Errorf("failed to read images: %w", err)
	}

	images := make([]registry.ImageRecord, 0, len(records))
	for _, rec := range records {
		images = append(images, rec)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Code < images[j].Code })

	switch listFormat {
	case "json":
		return printJSON(images)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		fmt.Fprintln(w, "CODE\tNAME\tPATH")
		fmt.Fprintln(w, "----\t----\t----")
		for _, img := range images {
			fmt.Fprintf(w, "%s\t%s\t%s\n", img.Code, img.Name, img.Path)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func runSenders(cmd *cobra.Command, args []string) error {
	root, err := imageRoot()
	if err != nil {
		return err
	}

	images, err := registry.ReadImageRecords(root)
	if err != nil {
		return fmt.Errorf("failed to read images: %w", err)
	}
	records, err := registry.ReadSenderRecords(root)
	if err != nil {
		return fmt.Errorf("failed to read senders: %w", err)
	}

	senders := make([]registry.SenderRecord, 0, len(records))
	for _, rec := range records {
		senders = append(senders, rec)
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i].Code < senders[j].Code })

	switch listFormat {
	case "json":
		return printJSON(senders)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		fmt.Fprintln(w, "CODE\tNAME\tIMAGE\tRATE\tACTUAL")
		fmt.Fprintln(w, "----\t----\t-----\t----\t------")
		for _, s := range senders {
			image := s.ImageSourceCode
			if img, ok := images[s.ImageSourceCode]; ok {
				image = fmt.Sprintf("%s (%s)", img.Name, img.Code)
			} else {
				image += " (missing)"
			}
			actual := "No"
			if s.SendActualFrameRate {
				actual = "Yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				s.Code, s.Name, image, s.FrameRateNumerator, s.FrameRateDenominator, actual)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
