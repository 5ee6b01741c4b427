package container

import (
	"fmt"
	"regexp"
)

// Identifier shapes accepted before anything reaches the container engine.
// Everything else is rejected outright so a crafted component definition or
// container id can never smuggle shell metacharacters into an engine call.
var (
	imageRefPattern = regexp.MustCompile(
		`^(?:[a-z0-9]+(?:[._-][a-z0-9]+)*(?::[0-9]+)?/)?` + // optional registry host
			`[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*` + // repository path
			`(?::[A-Za-z0-9_][A-Za-z0-9._-]{0,127})?` + // optional tag
			`(?:@sha256:[a-f0-9]{64})?$`) // optional digest
	containerIDPattern = regexp.MustCompile(`^[a-f0-9]{12,64}$`)
)

func validImageRef(ref string) error {
	if len(ref) == 0 || len(ref) > 255 || !imageRefPattern.MatchString(ref) {
		return fmt.Errorf("image reference %q is not a valid reference", ref)
	}
	return nil
}

func validContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return fmt.Errorf("container id %q is not a valid id", id)
	}
	return nil
}
