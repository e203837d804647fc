package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries command-line flags to the App.
type AppOptions struct {
	ConfigFile string
	Verbose    bool

	// Subject selects a configured subject; the file flags below override
	// or replace its paths.
	Subject      string
	Surface      string
	Digitization string
	Fiducials    string
	Talairach    string

	ScaleMode    string
	FidMatch     string
	GrowHair     *float64 // mm
	OmitDistance *float64 // mm
	Iterations   int

	TransFile   string
	OutputFile  string
	RenderFile  string
	GeoJSONFile string
	View        string
	PerPoint    bool
}

// Runner is implemented by App; tests substitute a mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunFit(w io.Writer) error
	RunDistances(w io.Writer) error
	RunMNI(w io.Writer) error
	RunService() error
}

func main() {
	if err := NewRootCmd(NewApp()).Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd creates the root command and its subcommands.
func NewRootCmd(app Runner) *cobra.Command {
	opts := &AppOptions{}

	rootCmd := &cobra.Command{
		Use:   "headmesh",
		Short: "Coregister digitized head shapes with MRI head surfaces",
		Long: `headmesh fits the head->MRI transform from digitized fiducials and
head-shape points, reports fit residuals, estimates MRI fiducials from an
MNI transform, and runs as a service refitting subjects received over MQTT.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newFitCmd(app, opts))
	rootCmd.AddCommand(newDistancesCmd(app, opts))
	rootCmd.AddCommand(newMNICmd(app, opts))
	rootCmd.AddCommand(newServeCmd(app, opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func addInputFlags(cmd *cobra.Command, opts *AppOptions) {
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "Subject ID from the config file")
	cmd.Flags().StringVar(&opts.Surface, "surface", "", "MRI head surface JSON")
	cmd.Flags().StringVar(&opts.Digitization, "digitization", "", "Digitization JSON")
}

func newFitCmd(app Runner, opts *AppOptions) *cobra.Command {
	var growHair, omitDistance float64

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit fiducials then ICP and print the head->MRI transform",
		Long: `Fit the digitization to the MRI head surface: a weighted fiducial fit,
ICP, and optionally outlier rejection followed by a second ICP pass.
Settings default to the coreg section of the config file when it exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("grow-hair") {
				opts.GrowHair = &growHair
			}
			if cmd.Flags().Changed("omit-distance") {
				opts.OmitDistance = &omitDistance
			}
			app.ApplyOptions(*opts)
			return app.RunFit(cmd.OutOrStdout())
		},
	}
	addInputFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Fiducials, "fiducials", "", "MRI fiducials JSON")
	cmd.Flags().StringVar(&opts.Talairach, "talairach", "", "mri->mni_tal transform JSON, used to estimate fiducials")
	cmd.Flags().StringVar(&opts.ScaleMode, "scale-mode", "", "none, uniform or 3-axis")
	cmd.Flags().StringVar(&opts.FidMatch, "fid-match", "", "nearest or matched")
	cmd.Flags().Float64Var(&growHair, "grow-hair", 0, "Hair offset in mm")
	cmd.Flags().Float64Var(&omitDistance, "omit-distance", 0, "Reject head-shape points farther than this (mm) and refit")
	cmd.Flags().IntVar(&opts.Iterations, "iterations", 0, "ICP rounds (default from config, else 20)")
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Write the transform JSON here")
	cmd.Flags().StringVar(&opts.RenderFile, "render", "", "Write a residual plot (.svg or .png)")
	cmd.Flags().StringVar(&opts.GeoJSONFile, "geojson", "", "Write a residual GeoJSON report")
	cmd.Flags().StringVar(&opts.View, "view", "sagittal", "Projection for --geojson")
	return cmd
}

func newDistancesCmd(app Runner, opts *AppOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distances",
		Short: "Report head-shape to surface distances for a saved transform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(*opts)
			return app.RunDistances(cmd.OutOrStdout())
		},
	}
	addInputFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.TransFile, "trans", "", "head->mri transform JSON (required)")
	cmd.Flags().BoolVar(&opts.PerPoint, "points", false, "Print every point's distance")
	_ = cmd.MarkFlagRequired("trans")
	return cmd
}

func newMNICmd(app Runner, opts *AppOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mni",
		Short: "Estimate MRI fiducials from the MNI template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(*opts)
			return app.RunMNI(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Talairach, "talairach", "", "mri->mni_tal transform JSON (required)")
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Write the fiducials JSON here instead of stdout")
	_ = cmd.MarkFlagRequired("talairach")
	return cmd
}

func newServeCmd(app Runner, opts *AppOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coregistration service (MQTT and HTTP)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(*opts)
			return app.RunService()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "headmesh version: %s\n", Version)
		},
	}
}
