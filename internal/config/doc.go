// Package config defines the format-agnostic settings model for a bootstrap
// run and the Loader interface that produces it. Concrete loaders, such as
// the HCL one, live in separate packages.
package config
