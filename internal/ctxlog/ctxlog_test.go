package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	FromContext(With(ctx, "phase", "build")).Info("hello")
	assert.Contains(t, buf.String(), "phase=build")
}

func TestWithPackage(t *testing.T) {
	// Arrange
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	// Act
	_, before := Package(ctx)
	scoped := WithPackage(ctx, "flit-core", "3.9.0")
	again := WithPackage(scoped, "flit-core", "3.9.0")
	FromContext(again).Info("building")

	// Assert
	assert.False(t, before)
	ref, ok := Package(scoped)
	require.True(t, ok)
	assert.Equal(t, "flit-core==3.9.0", ref.String())
	assert.Equal(t, scoped, again, "same package should not be re-scoped")
	line := buf.String()
	assert.Contains(t, line, "package=flit-core")
	assert.Equal(t, 1, strings.Count(line, "package="))
}

func TestPackageRefWithoutVersion(t *testing.T) {
	ctx := WithPackage(context.Background(), "wheel", "")
	ref, ok := Package(ctx)
	require.True(t, ok)
	assert.Equal(t, "wheel", ref.String())
}
