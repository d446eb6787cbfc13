package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/bootstrapgo/internal/app"
)

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		args     []string
		want     *app.Config
		wantExit bool
		wantErr  string
	}{
		{
			name: "requirements and defaults",
			args: []string{"requests>=2.31", "numpy"},
			want: &app.Config{
				Requirements: []string{"requests>=2.31", "numpy"},
				Mode:         app.ModeBootstrap,
				GraphPath:    "graph.json",
				LogFormat:    "text",
				LogLevel:     "info",
			},
		},
		{
			name: "every option",
			args: []string{
				"-r", "reqs.txt", "-c", "constraints.txt", "-settings", "a.hcl, conf.d",
				"-mode", "DISCOVER", "-work-dir", "w", "-cache-dir", "c", "-remote-cache", "https://cache.example.invalid",
				"-previous-graph", "old.json", "-graph", "new.json", "-workers", "8", "-stop-on-failure",
				"-healthcheck-port", "8080", "-log-format", "JSON", "-log-level", "debug",
			},
			want: &app.Config{
				Requirements:     []string{},
				RequirementsFile: "reqs.txt",
				ConstraintsFile:  "constraints.txt",
				SettingsPaths:    []string{"a.hcl", "conf.d"},
				Mode:             app.ModeDiscover,
				WorkDir:          "w",
				CacheDir:         "c",
				RemoteCache:      "https://cache.example.invalid",
				PreviousGraph:    "old.json",
				GraphPath:        "new.json",
				Workers:          8,
				StopOnFailure:    true,
				HealthcheckPort:  8080,
				LogFormat:        "json",
				LogLevel:         "debug",
			},
		},
		{
			name: "build mode needs no requirements",
			args: []string{"-mode", "build", "-workers", "2"},
			want: &app.Config{
				Requirements: []string{},
				Mode:         app.ModeBuild,
				GraphPath:    "graph.json",
				Workers:      2,
				LogFormat:    "text",
				LogLevel:     "info",
			},
		},
		{name: "no requirements prints usage", args: nil, wantExit: true},
		{name: "help", args: []string{"-h"}, wantExit: true},
		{name: "bad log format", args: []string{"-log-format", "xml", "pkg"}, wantErr: "invalid log-format"},
		{name: "bad log level", args: []string{"-log-level", "loud", "pkg"}, wantErr: "invalid log-level"},
		{name: "bad mode", args: []string{"-mode", "deploy", "pkg"}, wantErr: `unknown mode "deploy"`},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: "flag provided but not defined: -nope"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// --- Arrange ---
			out := &bytes.Buffer{}

			// --- Act ---
			cfg, exit, err := Parse(tc.args, out)

			// --- Assert ---
			if tc.wantErr != "" {
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, 2, exitErr.Code)
				assert.Contains(t, exitErr.Message, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantExit, exit)
			if tc.wantExit {
				assert.Contains(t, out.String(), "Usage:")
				return
			}
			assert.Equal(t, tc.want, cfg)
		})
	}
}
