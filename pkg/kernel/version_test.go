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
	"fmt"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"
)

func TestParseRelease(t *testing.T) {
	testcases := []struct {
		release string
		want    string
	}{
		{release: "5.15.0-91-generic", want: "5.15.0"},
		{release: "6.18.44-fc-v139", want: "6.18.44"},
		{release: "4.19.0+", want: "4.19.0"},
		{release: "6.1", want: "6.1.0"},
		{release: "5.10.197.el8.x86_64", want: "5.10.197"},
	}

	for _, tt := range testcases {
		t.Run(tt.release, func(t *testing.T) {
			v, err := ParseRelease(tt.release)
			require.NoError(t, err)
			require.Equal(t, tt.want, v.String())
		})
	}

	_, err := ParseRelease("unknown")
	require.Error(t, err)
}

func TestSupportedKernelVersions(t *testing.T) {
	name := func(version string, supported bool) string {
		verb := "is not"
		if supported {
			verb = "is"
		}
		return fmt.Sprintf("%s %s supported", version, verb)
	}

	testcases := []struct {
		version   string
		supported bool
	}{
		{version: "2.6.32", supported: false},
		{version: "3.1", supported: false},
		{version: "3.2", supported: true},
		{version: "5.19.3", supported: true},
		{version: "6.1", supported: true},
	}

	for _, tt := range testcases {
		t.Run(name(tt.version, tt.supported), func(t *testing.T) {
			err := CheckSupported(semver.MustParse(tt.version))
			if tt.supported {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrUnsupportedKernel)
			}
		})
	}
}

func TestGetRelease(t *testing.T) {
	v, err := GetRelease()
	require.NoError(t, err)
	require.NoError(t, CheckSupported(v))
}
