package pyindex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/resolver"
	"github.com/vk/bootstrapgo/internal/retry"
	"github.com/vk/bootstrapgo/modules/http_client"
)

func TestParseWheelFilename(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		filename string
		want     Wheel
		wantErr  bool
	}{
		{
			filename: "six-1.16.0-py2.py3-none-any.whl",
			want:     Wheel{Name: "six", Version: "1.16.0", Python: "py2.py3", ABI: "none", Platforms: []string{"any"}},
		},
		{
			filename: "numpy-2.0.0-1-cp312-cp312-manylinux_2_17_x86_64.manylinux2014_x86_64.whl",
			want: Wheel{
				Name: "numpy", Version: "2.0.0", BuildTag: "1", Python: "cp312", ABI: "cp312",
				Platforms: []string{"manylinux_2_17_x86_64", "manylinux2014_x86_64"},
			},
		},
		{filename: "numpy-2.0.0.tar.gz", wantErr: true},
		{filename: "numpy-2.0.0-cp312.whl", wantErr: true},
		{filename: "numpy-2.0.0-x1-cp312-cp312-any.whl", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			t.Parallel()

			got, err := ParseWheelFilename(tc.filename)

			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

const projectJSON = `{
  "releases": {
    "1.0": [
      {"filename": "demo-1.0.tar.gz", "url": "https://files.example.invalid/demo-1.0.tar.gz", "packagetype": "sdist"},
      {"filename": "demo-1.0-py3-none-any.whl", "url": "https://files.example.invalid/demo-1.0-py3-none-any.whl", "packagetype": "bdist_wheel"}
    ],
    "1.1": [
      {"filename": "demo-1.1.tar.gz", "url": "https://files.example.invalid/demo-1.1.tar.gz", "packagetype": "sdist", "yanked": true},
      {"filename": "demo-1.1.exe", "url": "https://files.example.invalid/demo-1.1.exe", "packagetype": "bdist_wininst"}
    ]
  }
}`

func TestProvider_Candidates(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pypi/demo-pkg/json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(projectJSON))
	}))
	defer srv.Close()
	fetch := http_client.NewFetcher(srv.Client(), retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond})
	p := NewProvider(srv.URL+"/", fetch)

	// --- Act ---
	cands, err := p.Candidates(context.Background(), requirement.MustParse("Demo_Pkg>=1.0"))

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []resolver.Candidate{
		{Version: "1.0", URL: "https://files.example.invalid/demo-1.0.tar.gz"},
		{Version: "1.0", URL: "https://files.example.invalid/demo-1.0-py3-none-any.whl", PreBuilt: true, Platform: "any"},
	}, cands)

	_, err = p.Candidates(context.Background(), requirement.MustParse("missing"))
	var status *retry.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.Code)
}
