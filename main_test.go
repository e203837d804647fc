package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }

func (m *mockApp) RunFit(w io.Writer) error {
	m.called["RunFit"] = true
	return m.err
}

func (m *mockApp) RunDistances(w io.Writer) error {
	m.called["RunDistances"] = true
	return m.err
}

func (m *mockApp) RunMNI(w io.Writer) error {
	m.called["RunMNI"] = true
	return m.err
}

func (m *mockApp) RunService() error {
	m.called["RunService"] = true
	return m.err
}

func execute(app Runner, args ...string) (string, error) {
	cmd := NewRootCmd(app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Fit",
			args:           []string{"fit", "--surface", "head.json", "--digitization", "dig.json", "--fiducials", "fid.json"},
			expectedCalled: "RunFit",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Surface != "head.json" || opts.Digitization != "dig.json" || opts.Fiducials != "fid.json" {
					t.Errorf("unexpected input paths: %+v", opts)
				}
				if opts.GrowHair != nil || opts.OmitDistance != nil {
					t.Error("unset distance flags should stay nil")
				}
				if opts.View != "sagittal" {
					t.Errorf("expected default view sagittal, got %s", opts.View)
				}
				if opts.ConfigFile != "config.yaml" {
					t.Errorf("expected default config config.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name: "FitModes",
			args: []string{"fit", "--subject", "s01", "--scale-mode", "3-axis", "--fid-match", "matched",
				"--grow-hair", "0", "--omit-distance", "10", "--iterations", "40", "-o", "trans.json",
				"--render", "res.png", "--geojson", "res.geojson", "--view", "axial", "-v", "--config", "lab.yaml"},
			expectedCalled: "RunFit",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Subject != "s01" {
					t.Errorf("expected Subject s01, got %s", opts.Subject)
				}
				if opts.ScaleMode != "3-axis" || opts.FidMatch != "matched" {
					t.Errorf("unexpected modes %q %q", opts.ScaleMode, opts.FidMatch)
				}
				if opts.GrowHair == nil || *opts.GrowHair != 0 {
					t.Error("explicit --grow-hair 0 should be passed through")
				}
				if opts.OmitDistance == nil || *opts.OmitDistance != 10 {
					t.Error("expected OmitDistance 10")
				}
				if opts.Iterations != 40 {
					t.Errorf("expected Iterations 40, got %d", opts.Iterations)
				}
				if opts.OutputFile != "trans.json" || opts.RenderFile != "res.png" || opts.GeoJSONFile != "res.geojson" {
					t.Errorf("unexpected outputs: %+v", opts)
				}
				if opts.View != "axial" {
					t.Errorf("expected View axial, got %s", opts.View)
				}
				if !opts.Verbose || opts.ConfigFile != "lab.yaml" {
					t.Error("persistent flags not applied")
				}
			},
		},
		{
			name:           "Distances",
			args:           []string{"distances", "--surface", "head.json", "--digitization", "dig.json", "--trans", "trans.json", "--points"},
			expectedCalled: "RunDistances",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.TransFile != "trans.json" {
					t.Errorf("expected TransFile trans.json, got %s", opts.TransFile)
				}
				if !opts.PerPoint {
					t.Error("expected PerPoint true")
				}
			},
		},
		{
			name:           "MNI",
			args:           []string{"mni", "--talairach", "talairach.json", "-o", "fid.json"},
			expectedCalled: "RunMNI",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Talairach != "talairach.json" || opts.OutputFile != "fid.json" {
					t.Errorf("unexpected options: %+v", opts)
				}
			},
		},
		{
			name:           "Serve",
			args:           []string{"serve", "--config", "service.yaml"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "service.yaml" {
					t.Errorf("expected ConfigFile service.yaml, got %s", opts.ConfigFile)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			if _, err := execute(app, tt.args...); err != nil {
				t.Fatalf("execute failed: %v", err)
			}
			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRootCmd_RequiredFlags(t *testing.T) {
	for _, args := range [][]string{{"distances", "--surface", "head.json"}, {"mni"}} {
		app := newMockApp()
		if _, err := execute(app, args...); err == nil {
			t.Errorf("%v: expected missing required flag error", args)
		}
		if len(app.called) != 0 {
			t.Errorf("%v: nothing should run, got %v", args, app.called)
		}
	}
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	if _, err := execute(newMockApp(), "fit", "extra"); err == nil {
		t.Error("expected error for positional argument")
	}
}

func TestRootCmd_PropagatesErrors(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	_, err := execute(app, "serve")
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(newMockApp(), "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"fit", "distances", "mni", "serve", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q: %s", sub, out)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(newMockApp(), "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "headmesh version: "+Version) {
		t.Errorf("expected version output, got: %s", out)
	}
}
