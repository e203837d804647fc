package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/headmesh/coreg"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *coreg.Config
	Log        *zap.SugaredLogger
	Cache      *coreg.CoregCache
	Store      *coreg.ResultStore
	MQTTClient *coreg.MQTTClient
	AutoCoreg  *coreg.AutoCoregistrar

	opts AppOptions
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Log:   zap.NewNop().Sugar(),
		Store: coreg.NewResultStore(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
	cfg := coreg.LoggingConfig{Level: "info", Format: "console"}
	if opts.Verbose {
		cfg.Level = "debug"
	}
	if log, err := NewLogger(cfg); err == nil {
		a.Log = log
	}
}

// NewLogger builds a logger from the logging config: JSON production
// encoding by default, colored console output with format "console".
func NewLogger(cfg coreg.LoggingConfig) (*zap.SugaredLogger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "", "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

// loadConfigIfPresent loads the config file when it exists. A missing
// default config is not an error for one-shot commands.
func (a *App) loadConfigIfPresent() (*coreg.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}
	if _, err := os.Stat(a.opts.ConfigFile); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking config: %w", err)
	}
	config, err := coreg.LoadConfig(a.opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	a.Config = config
	a.Log.Debugw("loaded config", "path", a.opts.ConfigFile)
	return config, nil
}

// resolveSubject merges the --subject config entry with file flags.
func (a *App) resolveSubject() (coreg.SubjectConfig, coreg.CoregConfig, error) {
	config, err := a.loadConfigIfPresent()
	if err != nil {
		return coreg.SubjectConfig{}, coreg.CoregConfig{}, err
	}

	sc := coreg.SubjectConfig{ID: "cli"}
	var cc coreg.CoregConfig
	if config != nil {
		cc = config.Coreg
	}
	if a.opts.Subject != "" {
		if config == nil {
			return sc, cc, fmt.Errorf("--subject needs a config file (%s not found)", a.opts.ConfigFile)
		}
		found := config.GetSubjectByID(a.opts.Subject)
		if found == nil {
			return sc, cc, fmt.Errorf("subject %q not in config", a.opts.Subject)
		}
		sc = *found
	}

	if a.opts.Surface != "" {
		sc.Surface = a.opts.Surface
	}
	if a.opts.Digitization != "" {
		sc.Digitization = a.opts.Digitization
	}
	if a.opts.Fiducials != "" {
		sc.Fiducials = a.opts.Fiducials
		sc.EstimateFiducials = false
	} else if a.opts.Talairach != "" {
		sc.Fiducials = ""
		sc.EstimateFiducials = true
		sc.Talairach = a.opts.Talairach
	}
	if sc.Surface == "" {
		return sc, cc, fmt.Errorf("no surface: pass --surface or --subject")
	}
	if sc.Digitization == "" {
		return sc, cc, fmt.Errorf("no digitization: pass --digitization or --subject")
	}

	if a.opts.ScaleMode != "" {
		if cc.ScaleMode, err = coreg.ParseScaleMode(a.opts.ScaleMode); err != nil {
			return sc, cc, err
		}
	}
	if a.opts.FidMatch != "" {
		if cc.FidMatch, err = coreg.ParseFidMatch(a.opts.FidMatch); err != nil {
			return sc, cc, err
		}
	}
	if a.opts.GrowHair != nil {
		cc.GrowHair = *a.opts.GrowHair
	}
	if a.opts.OmitDistance != nil {
		cc.OmitDistance = *a.opts.OmitDistance
	}
	if a.opts.Iterations > 0 {
		cc.ICP.Iterations = a.opts.Iterations
	}
	return sc, cc, nil
}

// RunFit runs the full pipeline for one subject and prints the result.
func (a *App) RunFit(w io.Writer) error {
	sc, cc, err := a.resolveSubject()
	if err != nil {
		return err
	}
	in, err := coreg.LoadSubjectInputs(sc)
	if err != nil {
		return err
	}
	dig, err := coreg.ParseDigitizationFile(sc.Digitization)
	if err != nil {
		return err
	}
	if dig.Subject == "" {
		dig.Subject = sc.ID
	}

	c, result, err := coreg.RunPipeline(dig, in, cc, a.Log.Named("fit"))
	if err != nil {
		return err
	}
	printResult(w, result)

	if a.opts.OutputFile != "" {
		if err := coreg.WriteTransformFile(a.opts.OutputFile, result.Trans); err != nil {
			return err
		}
		fmt.Fprintf(w, "Transform written to %s\n", a.opts.OutputFile)
	}

	if a.opts.RenderFile == "" && a.opts.GeoJSONFile == "" {
		return nil
	}
	points, dists, err := c.TransformedHeadShape()
	if err != nil {
		return err
	}
	if a.opts.RenderFile != "" {
		renderer := coreg.NewResidualRenderer(dig.Subject, points, dists, in.Surface.Vertices)
		if err := writeRender(a.opts.RenderFile, renderer); err != nil {
			return err
		}
		fmt.Fprintf(w, "Residual plot written to %s\n", a.opts.RenderFile)
	}
	if a.opts.GeoJSONFile != "" {
		view, err := coreg.ParseView(a.opts.View)
		if err != nil {
			return err
		}
		fc := coreg.ResidualReport(dig.Subject, view, points, dists, in.Surface.Vertices)
		data, err := fc.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshaling report: %w", err)
		}
		if err := os.WriteFile(a.opts.GeoJSONFile, data, 0644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Fprintf(w, "GeoJSON report written to %s\n", a.opts.GeoJSONFile)
	}
	return nil
}

func printResult(w io.Writer, r coreg.SubjectResult) {
	fmt.Fprintf(w, "=== %s ===\n", r.SubjectID)
	fmt.Fprintf(w, "Scale mode: %s, fiducial match: %s\n", r.ScaleMode, r.FidMatch)
	fmt.Fprintf(w, "Parameters: %s\n", r.Parameters)
	fmt.Fprintf(w, "ICP rounds: %d, omitted points: %d\n", r.ICPIterations, r.Omitted)
	printSummary(w, r.Distances)
}

func printSummary(w io.Writer, s coreg.DistanceSummary) {
	fmt.Fprintf(w, "Distances (n=%d): median %.2f mm, mean %.2f mm, std %.2f mm, min %.2f mm, max %.2f mm\n",
		s.Count, s.Median, s.Mean, s.StdDev, s.Min, s.Max)
}

func writeRender(path string, r *coreg.ResidualRenderer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		err = r.RenderToSVG(f)
	case ".png":
		err = r.RenderToPNG(f)
	default:
		return fmt.Errorf("unsupported render format %q (use .svg or .png)", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	return nil
}

// RunDistances applies a saved transform and reports surface distances.
func (a *App) RunDistances(w io.Writer) error {
	sc, _, err := a.resolveSubject()
	if err != nil {
		return err
	}
	surface, err := coreg.ParseSurfaceFile(sc.Surface)
	if err != nil {
		return err
	}
	dig, err := coreg.ParseDigitizationFile(sc.Digitization)
	if err != nil {
		return err
	}
	trans, err := coreg.ParseTransformFile(a.opts.TransFile)
	if err != nil {
		return err
	}
	if trans.From != coreg.FrameHead || trans.To != surface.Frame {
		return fmt.Errorf("transform maps %s->%s, expected head->%s: %w",
			trans.From, trans.To, surface.Frame, coreg.ErrFrameMismatch)
	}

	shape := dig.HeadShape()
	if len(shape) == 0 {
		return coreg.ErrNoPoints
	}
	points := make([]coreg.Point, len(shape))
	for i, p := range shape {
		points[i] = trans.ApplyPoint(p.R)
	}
	_, dists, err := coreg.Nearest(points, surface)
	if err != nil {
		return err
	}

	if a.opts.PerPoint {
		for i, d := range dists {
			fmt.Fprintf(w, "%4d %-8s %7.2f mm\n", i, shape[i].Kind, d*1e3)
		}
	}
	printSummary(w, coreg.SummarizeDistances(dists))
	return nil
}

// RunMNI estimates MRI fiducials from the talairach transform.
func (a *App) RunMNI(w io.Writer) error {
	trans, err := coreg.ParseTransformFile(a.opts.Talairach)
	if err != nil {
		return err
	}
	fids, err := coreg.EstimateMNIFiducials(coreg.AffineNormalization{MRIToMNI: trans})
	if err != nil {
		return err
	}
	if a.opts.OutputFile != "" {
		if err := coreg.WriteFiducialsFile(a.opts.OutputFile, fids); err != nil {
			return err
		}
		fmt.Fprintf(w, "Fiducials written to %s\n", a.opts.OutputFile)
		return nil
	}
	data, err := coreg.MarshalFiducials(fids)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// RunService runs MQTT ingestion, automatic refits and the HTTP server
// until interrupted.
func (a *App) RunService() error {
	config, err := coreg.LoadConfig(a.opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", a.opts.ConfigFile, err)
	}
	a.Config = config

	logCfg := config.Logging
	if a.opts.Verbose {
		logCfg.Level = "debug"
	}
	log, err := NewLogger(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	a.Log = log
	log.Infow("starting headmesh service", "version", Version, "config", a.opts.ConfigFile, "subjects", len(config.Subjects))

	cache, err := coreg.LoadCache(config.CachePath)
	if err != nil {
		log.Warnw("failed to load cache, starting empty", "path", config.CachePath, "error", err)
	}
	if cache == nil {
		cache = coreg.NewCoregCache()
	} else {
		log.Infow("loaded cache", "path", config.CachePath, "subjects", len(cache.Subjects))
	}
	a.Cache = cache
	a.Store = coreg.NewResultStoreFromCache(cache)

	var auto *coreg.AutoCoregistrar
	handler := func(subjectID string, dig *coreg.Digitization, err error) {
		auto.OnDigitization(subjectID, dig, err)
	}
	mqttClient, err := coreg.NewMQTTClient(config, handler, log)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	var publisher coreg.ResultPublisher
	if mqttClient != nil {
		publisher = coreg.NewPublisher(mqttClient.GetClient(), config.MQTT.TopicPrefix, log)
	}
	auto = coreg.NewAutoCoregistrar(config, cache, a.Store, publisher, log)
	a.AutoCoreg = auto
	a.MQTTClient = mqttClient

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mqttClient != nil {
		mqttClient.Connect()
	}
	go auto.RunConfigured()

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", config.HTTP.Port),
		Handler:           newHTTPServer(a.Store, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Errorw("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnw("HTTP shutdown", "error", shutdownErr)
	}
	auto.Stop()
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	log.Info("service stopped")
	return err
}
