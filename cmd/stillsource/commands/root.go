package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "stillsource",
		Short: "StillSource - still images as live video senders",
		Long: `StillSource turns uploaded still images into continuously transmitted
video senders.

Features:
  • Upload PNG, JPEG, GIF, BMP, TIFF and WebP images
  • Generate test slates (color bars with a caption)
  • Run any number of named senders, each bound to one image
  • Rebind a sender to another image without interrupting it
  • MJPEG preview over HTTP, FFmpeg output, or an X11 window
  • Persistent registry of images and senders
  • REST API and WebSocket event stream`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/stillsource/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8909)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("image-root", "", "directory holding uploaded images and the registry files")
	rootCmd.PersistentFlags().String("transport", "", "output transport (mjpeg, ffmpeg, x11, discard)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("image_root", rootCmd.PersistentFlags().Lookup("image-root"))
	viper.BindPFlag("transport.type", rootCmd.PersistentFlags().Lookup("transport"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
