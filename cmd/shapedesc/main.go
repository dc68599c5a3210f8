package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"shapedesc/pkg/aggregate"
	"shapedesc/pkg/batch"
	"shapedesc/pkg/config"
	"shapedesc/pkg/logging"
	"shapedesc/pkg/meshio"
	"shapedesc/pkg/volume"
)

func main() {
	cfg, initPath, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	if initPath != "" {
		if err := config.CreateDefaultConfigFile(initPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", initPath)
		return
	}

	closer, err := logging.Setup(logging.Config{
		Logfile: cfg.Logging.Logfile,
		MaxSize: cfg.Logging.MaxSize,
		MaxAge:  cfg.Logging.MaxAge,
		Level:   cfg.Logging.Level,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closer.Close()

	fmt.Println("================================")
	fmt.Println("SHAPE DESCRIPTORS FROM LABEL VOLUMES")
	fmt.Println("Isosurface extraction, mass properties and PCA shape analysis")
	fmt.Println("================================")

	if err := run(cfg); err != nil {
		closer.Close()
		log.Fatalf("Batch failed: %v", err)
	}
}

// parseFlags loads the configuration file named by -config and applies the
// flags given on the command line on top of it. The second result is the
// path given with -init-config, if any.
func parseFlags(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	configPath := fs.String("config", "", "Configuration file (.yaml or .toml)")
	initConfig := fs.String("init-config", "", "Write a default configuration file to this path and exit")
	labelsDir := fs.String("labels", "", "Directory containing per-scan label volumes")
	scanList := fs.String("scan-list", "", "File with one scan id per line (default: discover scans)")
	surfacesDir := fs.String("surfaces", "", "Directory for surface meshes")
	descriptorsDir := fs.String("descriptors", "", "Directory for descriptor records and the combined table")
	qcDir := fs.String("qc-dir", "", "Directory for QC slice images")
	label := fs.Int("label", 0, "Label value of the target structure")
	workers := fs.Int("workers", 0, "Number of workers (default: half the CPU cores)")
	meshFormat := fs.String("mesh-format", "", "Surface mesh format: vtk or stl")
	formats := fs.String("formats", "", "Comma separated table formats: csv, sqlite, arrow")
	describeOnly := fs.Bool("describe-only", false, "Recompute descriptors from existing surface meshes")
	saveQC := fs.Bool("save-qc", false, "Save orthogonal mask slices for every scan")
	verbose := fs.Bool("verbose", false, "Show batch progress")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logfile := fs.String("logfile", "", "Rotating log file (default: stderr)")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return nil, "", err
	}

	// Only flags given explicitly override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "labels":
			cfg.Paths.LabelsDir = *labelsDir
		case "scan-list":
			cfg.Paths.ScanList = *scanList
		case "surfaces":
			cfg.Paths.SurfacesDir = *surfacesDir
		case "descriptors":
			cfg.Paths.DescriptorsDir = *descriptorsDir
		case "qc-dir":
			cfg.Paths.QCDir = *qcDir
		case "label":
			cfg.Processing.TargetLabel = *label
		case "workers":
			cfg.Processing.Workers = *workers
		case "mesh-format":
			cfg.Processing.MeshFormat = strings.ToLower(*meshFormat)
		case "formats":
			cfg.Output.Formats = splitList(*formats)
		case "describe-only":
			cfg.Processing.DescribeOnly = *describeOnly
		case "save-qc":
			cfg.Output.SaveQCSlices = *saveQC
		case "verbose":
			cfg.Output.Verbose = *verbose
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "logfile":
			cfg.Logging.Logfile = *logfile
		}
	})

	if *initConfig != "" {
		return cfg, *initConfig, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// scanIDs resolves the scans of the run: the scan list if one is
// configured, otherwise every scan found in the input directory.
func scanIDs(cfg *config.Config) ([]string, error) {
	if cfg.Paths.ScanList != "" {
		return volume.ReadScanList(cfg.Paths.ScanList)
	}
	if cfg.Processing.DescribeOnly {
		return meshio.DiscoverSurfaces(cfg.Paths.SurfacesDir, cfg.Processing.MeshFormat)
	}
	return volume.DiscoverScanIDs(cfg.Paths.LabelsDir)
}

// run processes the configured batch and writes the table, report and
// metrics. Per-scan problems are only reported; the returned error means
// the batch as a whole could not complete.
func run(cfg *config.Config) error {
	fmt.Println("Step 1: Resolving scans...")
	ids, err := scanIDs(cfg)
	if err != nil {
		return fmt.Errorf("failed to resolve scans: %w", err)
	}
	fmt.Printf("Found %d scans\n", len(ids))

	params := &batch.Params{
		LabelsDir:      cfg.Paths.LabelsDir,
		SurfacesDir:    cfg.Paths.SurfacesDir,
		DescriptorsDir: cfg.Paths.DescriptorsDir,
		QCDir:          cfg.Paths.QCDir,
		TargetLabel:    int32(cfg.Processing.TargetLabel),
		MeshFormat:     cfg.Processing.MeshFormat,
		DescribeOnly:   cfg.Processing.DescribeOnly,
		SaveQCSlices:   cfg.Output.SaveQCSlices,
		ShowProgress:   cfg.Output.Verbose,
	}
	runner := batch.NewRunner(params)

	if cfg.Processing.DescribeOnly {
		fmt.Println("Step 2: Computing descriptors from existing surfaces...")
	} else {
		fmt.Println("Step 2: Extracting surfaces and computing descriptors...")
	}
	startTime := time.Now()
	table, report, batchErr := runner.RunBatch(ids, cfg.Processing.Workers)

	fmt.Println("Step 3: Writing report...")
	reportPath := filepath.Join(cfg.Paths.DescriptorsDir, batch.ReportFile)
	if err := report.WriteJSON(reportPath); err != nil {
		slog.Warn("failed to write report", slog.String("error", err.Error()))
	}
	metricsPath := filepath.Join(cfg.Paths.DescriptorsDir, batch.MetricsFile)
	if err := runner.Metrics().WriteTextfile(metricsPath); err != nil {
		slog.Warn("failed to write metrics", slog.String("error", err.Error()))
	}
	fmt.Print(report.Summary())

	if batchErr != nil {
		return batchErr
	}

	fmt.Println("Step 4: Writing combined descriptor table...")
	paths, err := exportTable(table, cfg.Paths.DescriptorsDir, cfg.Output.Formats)
	if err != nil {
		return err
	}

	fmt.Printf("\nBatch completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Combined table with %d rows saved to:\n", len(table.Rows))
	for _, p := range paths {
		fmt.Printf("- %s\n", p)
	}
	fmt.Printf("Report saved to: %s\n", reportPath)
	return nil
}

// tableExtensions maps table formats to file extensions
var tableExtensions = map[string]string{
	config.FormatCSV:    ".csv",
	config.FormatSQLite: ".db",
	config.FormatArrow:  ".arrows",
}

// exportTable writes the table once per requested format, the formats in
// parallel, and returns the written paths.
func exportTable(table *aggregate.Table, dir string, formats []string) ([]string, error) {
	var unique, paths []string
	for _, format := range formats {
		format = strings.ToLower(format)
		ext, ok := tableExtensions[format]
		if !ok {
			return nil, fmt.Errorf("unsupported output format %q", format)
		}
		if slices.Contains(unique, format) {
			continue
		}
		unique = append(unique, format)
		paths = append(paths, filepath.Join(dir, aggregate.TableBaseName+ext))
	}

	var g errgroup.Group
	for i, format := range unique {
		path := paths[i]
		g.Go(func() error {
			var err error
			switch format {
			case config.FormatCSV:
				err = table.WriteCSV(path)
			case config.FormatSQLite:
				err = table.WriteSQLite(path)
			case config.FormatArrow:
				err = table.WriteArrow(path)
			}
			if err != nil {
				return fmt.Errorf("failed to write %s table: %w", format, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}
