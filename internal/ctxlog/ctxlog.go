// Package ctxlog carries the run's slog.Logger, and the package currently
// being worked on, through a context.Context.
package ctxlog

import (
	"context"
	"log/slog"
)

type (
	loggerKey  struct{}
	packageKey struct{}
)

// PackageRef names the package a context is scoped to.
type PackageRef struct {
	Name    string
	Version string
}

func (p PackageRef) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "==" + p.Version
}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default when there
// is none.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// With returns a context whose logger carries the extra attributes.
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(args...))
}

// WithPackage scopes ctx to one package. Its logger gains package and
// version attributes unless the same package is already in scope.
func WithPackage(ctx context.Context, name, version string) context.Context {
	ref := PackageRef{Name: name, Version: version}
	if cur, ok := Package(ctx); ok && cur == ref {
		return ctx
	}
	ctx = context.WithValue(ctx, packageKey{}, ref)
	attrs := []any{"package", name}
	if version != "" {
		attrs = append(attrs, "version", version)
	}
	return With(ctx, attrs...)
}

// Package reports the package ctx was scoped to by WithPackage.
func Package(ctx context.Context) (PackageRef, bool) {
	ref, ok := ctx.Value(packageKey{}).(PackageRef)
	return ref, ok
}
