package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/handoff"
)

var (
	version = "0.1.0"
	cfgFile string

	inputFlag       string
	formatFlag      string
	splitPresetFlag string
	compressFlag    string
	outputFlag      string
	listenFlag      string
	jsonFlag        bool
)

var rootCmd = &cobra.Command{
	Use:   "breeze-recorder",
	Short: "Breeze segmented capture recorder",
	Long:  `Breeze Recorder - records a media stream into auto-split segments, compresses them and delivers them to storage`,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a capture session until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord()
	},
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List split and compression presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPresets()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the recorder configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Recorder v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/breeze-recorder.yaml)")

	recordCmd.Flags().StringVar(&inputFlag, "input", "", "ffmpeg input, e.g. :0.0 or rtsp://camera/stream")
	recordCmd.Flags().StringVar(&formatFlag, "format", "", "ffmpeg input format, e.g. x11grab, avfoundation, lavfi")
	recordCmd.Flags().StringVar(&splitPresetFlag, "split-preset", "", "split preset name")
	recordCmd.Flags().StringVar(&compressFlag, "compression-preset", "", "compression preset name")
	recordCmd.Flags().StringVar(&outputFlag, "output", "", "directory segments are written to")
	recordCmd.Flags().StringVar(&listenFlag, "listen", "", "address for the status API and telemetry websocket")

	presetsCmd.Flags().BoolVar(&jsonFlag, "json", false, "print presets as JSON")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if inputFlag != "" {
		cfg.Capture.Input = inputFlag
	}
	if formatFlag != "" {
		cfg.Capture.Format = formatFlag
	}
	if splitPresetFlag != "" {
		cfg.Split.Preset = splitPresetFlag
	}
	if compressFlag != "" {
		cfg.Compression.Preset = compressFlag
	}
	if outputFlag != "" {
		cfg.Writer.OutputDir = outputFlag
	}
	if listenFlag != "" {
		cfg.Telemetry.ListenAddr = listenFlag
	}
	return cfg, nil
}

func loadPresetTable(cfg *config.Config) (*handoff.Table, error) {
	if cfg.Compression.PresetsFile == "" {
		return handoff.DefaultTable(), nil
	}
	return handoff.LoadTable(cfg.Compression.PresetsFile)
}

func listPresets() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := loadPresetTable(cfg)
	if err != nil {
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"split":       config.SplitPresets(),
			"compression": table.All(),
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPLIT PRESET\tMODE\tINTERVAL\tSIZE\tOVERLAP\tMAX")
	for _, p := range config.SplitPresets() {
		size := "-"
		if p.SizeLimitBytes > 0 {
			size = fmt.Sprintf("%dMB", p.SizeLimitBytes/(1024*1024))
		}
		interval := "-"
		if p.Interval > 0 {
			interval = p.Interval.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", p.Name, p.Mode, interval, size, p.Overlap, p.MaxSegments)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "COMPRESSION PRESET\tVIDEO\tCRF\tMAX SIZE\tFPS\tEXPECTED")
	for _, p := range table.All() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%dx%d\t%d\t%.0f%%\n",
			p.Name, p.VideoCodec, p.CRF, p.MaxWidth, p.MaxHeight, p.FPS, p.ExpectedReduction*100)
	}
	return w.Flush()
}

func validateConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	errs := cfg.Validate()
	if _, err := cfg.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := loadPresetTable(cfg); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		fmt.Println("Configuration OK")
		return nil
	}
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  - %v\n", err)
	}
	return fmt.Errorf("%d configuration problem(s)", len(errs))
}
