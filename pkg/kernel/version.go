// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var ErrUnsupportedKernel = errors.New("unsupported kernel")

// process_vm_readv(2) appeared in 3.2.
var minimumRelease = semver.MustParse("3.2")

// ParseRelease extracts the numeric version from a release string such as
// "5.15.0-91-generic".
func ParseRelease(release string) (*semver.Version, error) {
	short := release
	if i := strings.IndexFunc(release, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}); i >= 0 {
		short = release[:i]
	}
	short = strings.TrimSuffix(short, ".")

	v, err := semver.NewVersion(short)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kernel release %q: %w", release, err)
	}
	return v, nil
}

func GetRelease() (*semver.Version, error) {
	release, err := Release()
	if err != nil {
		return nil, err
	}
	return ParseRelease(release)
}

// CheckSupported returns an error if the kernel lacks what the sampler
// needs.
func CheckSupported(version *semver.Version) error {
	if version.LessThan(minimumRelease) {
		return fmt.Errorf("%w: %s is older than %s", ErrUnsupportedKernel, version, minimumRelease)
	}
	return nil
}
