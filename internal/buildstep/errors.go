package buildstep

import "fmt"

// AcquisitionError means the source for a package could not be fetched.
type AcquisitionError struct {
	Name    string
	Version string
	URL     string
	Err     error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquiring %s %s from %s: %v", e.Name, e.Version, e.URL, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// PreparationError means local modifications could not be applied.
type PreparationError struct {
	Name    string
	Version string
	Err     error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("preparing %s %s: %v", e.Name, e.Version, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

// BuildFailure means building a source distribution or artifact failed.
// Output carries the tail of the build log when one exists.
type BuildFailure struct {
	Name    string
	Version string
	Stage   string
	Output  string
	Err     error
}

func (e *BuildFailure) Error() string {
	msg := fmt.Sprintf("building %s for %s %s: %v", e.Stage, e.Name, e.Version, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *BuildFailure) Unwrap() error { return e.Err }

const (
	StageSdist    = "sdist"
	StageArtifact = "artifact"
)
