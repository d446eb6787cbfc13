package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/semver"
)

// lookup serves one provider for every package.
type lookup struct{ p Provider }

func (l lookup) ProviderFor(string) (Provider, error) {
	if l.p == nil {
		return nil, errors.New("no provider")
	}
	return l.p, nil
}

func src(version string) Candidate {
	return Candidate{Version: version, URL: "https://example.invalid/pkg-" + version + ".tar.gz"}
}

func TestResolve_ConstraintNarrowsChoice(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	static := NewStaticProvider()
	static.Add("pkg", src("1.0"), src("1.2"), src("2.0"))
	r := New(lookup{static}, nil)
	constraints := requirement.NewConstraints()
	require.NoError(t, constraints.Add("pkg", "<2.0"))

	// --- Act ---
	res, err := r.Resolve(context.Background(), requirement.MustParse("pkg>=1.0"), constraints, Options{})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "1.2", res.Version)
	assert.Equal(t, "https://example.invalid/pkg-1.2.tar.gz", res.URL)
	assert.Equal(t, "<2.0", res.Constraint)
}

func TestResolve_CachesByRequirementString(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := ProviderFunc(func(context.Context, requirement.Requirement) ([]Candidate, error) {
		calls.Add(1)
		return []Candidate{src("1.0"), src("1.1")}, nil
	})
	r := New(lookup{p}, nil)

	first, err := r.Resolve(context.Background(), requirement.MustParse("pkg>=1.0"), nil, Options{})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), requirement.MustParse("pkg>=1.0"), nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	_, err = r.Resolve(context.Background(), requirement.MustParse("pkg>=1.1"), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	static := NewStaticProvider()
	static.Add("pkg", src("1.0"))
	r := New(lookup{static}, nil)

	_, err := r.Resolve(context.Background(), requirement.MustParse("pkg>=3"), nil, Options{})
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, 1, resErr.Considered)
	assert.Contains(t, err.Error(), "none of 1 candidates")

	_, err = r.Resolve(context.Background(), requirement.MustParse("unknown"), nil, Options{})
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, err.Error(), "no releases declared")

	_, err = New(lookup{}, nil).Resolve(context.Background(), requirement.MustParse("pkg"), nil, Options{})
	assert.ErrorAs(t, err, &resErr)
}

func TestResolve_DirectURL(t *testing.T) {
	t.Parallel()

	r := New(lookup{}, nil)
	res, err := r.Resolve(context.Background(), requirement.MustParse("my_lib @ https://example.invalid/my-lib-0.4.1.tar.gz"), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "0.4.1", res.Version)
	assert.Equal(t, "https://example.invalid/my-lib-0.4.1.tar.gz", res.URL)
}

func TestSelect(t *testing.T) {
	t.Parallel()

	anyVersion := semver.MustParseConstraint("")
	wheel := func(v, platform, tag string) Candidate {
		return Candidate{Version: v, URL: "https://example.invalid/" + v + "-" + platform + "-" + tag + ".whl", PreBuilt: true, Platform: platform, BuildTag: tag}
	}

	t.Run("pre-releases need opting in", func(t *testing.T) {
		cands := []Candidate{src("1.0"), src("2.0rc1")}
		got, ok := Select(cands, anyVersion, anyVersion, Options{})
		require.True(t, ok)
		assert.Equal(t, "1.0", got.Version)

		got, ok = Select(cands, anyVersion, anyVersion, Options{AllowPrerelease: true})
		require.True(t, ok)
		assert.Equal(t, "2.0rc1", got.Version)

		got, ok = Select(cands, semver.MustParseConstraint(">=2.0rc1"), anyVersion, Options{})
		require.True(t, ok)
		assert.Equal(t, "2.0rc1", got.Version)
	})

	t.Run("source requests ignore binaries", func(t *testing.T) {
		got, ok := Select([]Candidate{wheel("3.0", "any", ""), src("2.0")}, anyVersion, anyVersion, Options{})
		require.True(t, ok)
		assert.Equal(t, "2.0", got.Version)
	})

	t.Run("binary requests filter platforms", func(t *testing.T) {
		cands := []Candidate{wheel("3.0", "win_amd64", ""), wheel("2.0", "linux_x86_64", ""), src("4.0")}
		got, ok := Select(cands, anyVersion, anyVersion, Options{WantPreBuilt: true, Platforms: []string{"linux_x86_64"}})
		require.True(t, ok)
		assert.Equal(t, "2.0", got.Version)

		got, ok = Select(cands, anyVersion, anyVersion, Options{WantPreBuilt: true, SourcesAcceptable: true, Platforms: []string{"linux_x86_64"}})
		require.True(t, ok)
		assert.Equal(t, "4.0", got.Version)

		_, ok = Select(cands, anyVersion, anyVersion, Options{WantPreBuilt: true})
		assert.False(t, ok)
	})

	t.Run("build tag breaks version ties", func(t *testing.T) {
		cands := []Candidate{wheel("1.0", "any", "2"), wheel("1.0", "any", "10"), wheel("1.0", "any", "")}
		got, ok := Select(cands, anyVersion, anyVersion, Options{WantPreBuilt: true})
		require.True(t, ok)
		assert.Equal(t, "10", got.BuildTag)
	})

	t.Run("extra release segments and post releases order", func(t *testing.T) {
		cands := []Candidate{src("1.2.3.1"), src("1.2.3.2"), src("1.2.3"), src("1.0")}
		got, ok := Select(cands, semver.MustParseConstraint(">=1.0"), anyVersion, Options{})
		require.True(t, ok)
		assert.Equal(t, "1.2.3.2", got.Version)

		cands = []Candidate{src("1.0.post1"), src("1.0"), src("1.0.post2"), src("0.9")}
		got, ok = Select(cands, anyVersion, anyVersion, Options{})
		require.True(t, ok)
		assert.Equal(t, "1.0.post2", got.Version)

		got, ok = Select(cands, semver.MustParseConstraint("==1.0"), anyVersion, Options{})
		require.True(t, ok)
		assert.Equal(t, "1.0", got.Version)

		got, ok = Select(cands, anyVersion, semver.MustParseConstraint("<=1.0.post1"), Options{})
		require.True(t, ok)
		assert.Equal(t, "1.0.post1", got.Version)
	})

	t.Run("unparseable versions are skipped", func(t *testing.T) {
		got, ok := Select([]Candidate{src("banana"), src("0.1")}, anyVersion, anyVersion, Options{})
		require.True(t, ok)
		assert.Equal(t, "0.1", got.Version)
	})
}
