package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vk/bootstrapgo/internal/buildstep"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/resolver"
)

// Module is the interface that all core modules must implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Wildcard binds an implementation to every package without its own binding.
const Wildcard = "*"

// Kind names one of the pluggable roles.
type Kind string

const (
	KindProvider  Kind = "provider"
	KindAcquirer  Kind = "acquirer"
	KindPreparer  Kind = "preparer"
	KindExtractor Kind = "extractor"
	KindBuilder   Kind = "builder"
)

// table holds the implementations of one kind and the package bindings
// that select among them.
type table[T any] struct {
	kind     Kind
	impls    map[string]T
	bindings map[string]string
}

func newTable[T any](kind Kind) *table[T] {
	return &table[T]{kind: kind, impls: make(map[string]T), bindings: make(map[string]string)}
}

func (t *table[T]) register(name string, impl T) {
	if _, exists := t.impls[name]; exists {
		panic(fmt.Sprintf("%s with name '%s' already registered", t.kind, name))
	}
	slog.Debug("Registering implementation.", "kind", t.kind, "name", name)
	t.impls[name] = impl
}

func (t *table[T]) bind(pkg, name string) {
	if pkg != Wildcard {
		pkg = requirement.CanonicalName(pkg)
	}
	t.bindings[pkg] = name
}

func (t *table[T]) lookup(pkg string) (T, error) {
	var zero T
	name, ok := t.bindings[requirement.CanonicalName(pkg)]
	if !ok {
		if name, ok = t.bindings[Wildcard]; !ok {
			return zero, fmt.Errorf("no %s bound for package %s", t.kind, pkg)
		}
	}
	impl, ok := t.impls[name]
	if !ok {
		return zero, fmt.Errorf("%s '%s' bound for package %s is not registered", t.kind, name, pkg)
	}
	return impl, nil
}

func (t *table[T]) validate() []string {
	var errs []string
	for pkg, name := range t.bindings {
		if _, ok := t.impls[name]; !ok {
			errs = append(errs, fmt.Sprintf("package '%s': %s '%s' is not registered", pkg, t.kind, name))
		}
	}
	return errs
}

func (t *table[T]) names() []string {
	out := make([]string, 0, len(t.impls))
	for n := range t.impls {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Registry holds all the registered implementations and package bindings
// for a single application instance.
type Registry struct {
	providers  *table[resolver.Provider]
	acquirers  *table[buildstep.Acquirer]
	preparers  *table[buildstep.Preparer]
	extractors *table[buildstep.Extractor]
	builders   *table[buildstep.ArtifactBuilder]
}

// New creates and initializes a new Registry instance.
func New() *Registry {
	return &Registry{
		providers:  newTable[resolver.Provider](KindProvider),
		acquirers:  newTable[buildstep.Acquirer](KindAcquirer),
		preparers:  newTable[buildstep.Preparer](KindPreparer),
		extractors: newTable[buildstep.Extractor](KindExtractor),
		builders:   newTable[buildstep.ArtifactBuilder](KindBuilder),
	}
}

func (r *Registry) RegisterProvider(name string, p resolver.Provider)  { r.providers.register(name, p) }
func (r *Registry) RegisterAcquirer(name string, a buildstep.Acquirer) { r.acquirers.register(name, a) }
func (r *Registry) RegisterPreparer(name string, p buildstep.Preparer) { r.preparers.register(name, p) }
func (r *Registry) RegisterExtractor(name string, e buildstep.Extractor) {
	r.extractors.register(name, e)
}
func (r *Registry) RegisterBuilder(name string, b buildstep.ArtifactBuilder) {
	r.builders.register(name, b)
}

// Bind selects implementation impl of kind for pkg, or for every package
// when pkg is Wildcard. Later bindings replace earlier ones.
func (r *Registry) Bind(kind Kind, pkg, impl string) error {
	switch kind {
	case KindProvider:
		r.providers.bind(pkg, impl)
	case KindAcquirer:
		r.acquirers.bind(pkg, impl)
	case KindPreparer:
		r.preparers.bind(pkg, impl)
	case KindExtractor:
		r.extractors.bind(pkg, impl)
	case KindBuilder:
		r.builders.bind(pkg, impl)
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

// ProviderFor returns the provider bound to pkg.
func (r *Registry) ProviderFor(pkg string) (resolver.Provider, error) {
	return r.providers.lookup(pkg)
}

// StepsFor returns the build-step collaborators bound to pkg.
func (r *Registry) StepsFor(pkg string) (buildstep.Steps, error) {
	var (
		s   buildstep.Steps
		err error
	)
	if s.Acquirer, err = r.acquirers.lookup(pkg); err != nil {
		return s, err
	}
	if s.Preparer, err = r.preparers.lookup(pkg); err != nil {
		return s, err
	}
	if s.Extractor, err = r.extractors.lookup(pkg); err != nil {
		return s, err
	}
	if s.Builder, err = r.builders.lookup(pkg); err != nil {
		return s, err
	}
	return s, nil
}

// Names returns the registered implementation names per kind.
func (r *Registry) Names() map[Kind][]string {
	return map[Kind][]string{
		KindProvider:  r.providers.names(),
		KindAcquirer:  r.acquirers.names(),
		KindPreparer:  r.preparers.names(),
		KindExtractor: r.extractors.names(),
		KindBuilder:   r.builders.names(),
	}
}

// ValidateRegistry checks that every binding references a registered
// implementation and that every kind has a default binding.
func (r *Registry) ValidateRegistry(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	var errs []string
	errs = append(errs, r.providers.validate()...)
	errs = append(errs, r.acquirers.validate()...)
	errs = append(errs, r.preparers.validate()...)
	errs = append(errs, r.extractors.validate()...)
	errs = append(errs, r.builders.validate()...)

	for kind, bound := range map[Kind]map[string]string{
		KindProvider:  r.providers.bindings,
		KindAcquirer:  r.acquirers.bindings,
		KindPreparer:  r.preparers.bindings,
		KindExtractor: r.extractors.bindings,
		KindBuilder:   r.builders.bindings,
	} {
		if _, ok := bound[Wildcard]; !ok {
			logger.Warn("No default binding; packages without their own binding will fail.", "kind", kind)
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("registry validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
