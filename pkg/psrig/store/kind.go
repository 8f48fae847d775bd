package store

import (
	"fmt"
	"strings"

	"github.com/thoas/go-funk"
)

// ImageKind is the role of a capture in a photometric stereo set. It prefixes every file name.
type ImageKind string

const (
	KindFlat        ImageKind = "flat"
	KindCalibration ImageKind = "calibration"
	KindTarget      ImageKind = "target"
)

// ImageKinds lists the accepted image kinds
var ImageKinds = []string{string(KindFlat), string(KindCalibration), string(KindTarget)}

// ParseImageKind accepts an image kind name, case-insensitive
func ParseImageKind(s string) (ImageKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !funk.ContainsString(ImageKinds, s) {
		return "", fmt.Errorf("unknown image kind %q (expected one of %s)", s, strings.Join(ImageKinds, ", "))
	}

	return ImageKind(s), nil
}

// ConflictPolicy decides what happens when a frame's file name is taken
type ConflictPolicy string

const (
	// PolicyRename appends _1, _2, ... until the name is free
	PolicyRename ConflictPolicy = "rename"

	// PolicyOverwrite replaces the existing file
	PolicyOverwrite ConflictPolicy = "overwrite"

	// PolicySkip keeps the existing file and does not save the frame
	PolicySkip ConflictPolicy = "skip"
)

// ConflictPolicies lists the accepted conflict policies
var ConflictPolicies = []string{string(PolicyRename), string(PolicyOverwrite), string(PolicySkip)}

// ParseConflictPolicy accepts a policy name, case-insensitive
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !funk.ContainsString(ConflictPolicies, s) {
		return "", fmt.Errorf("unknown conflict policy %q (expected one of %s)", s, strings.Join(ConflictPolicies, ", "))
	}

	return ConflictPolicy(s), nil
}
