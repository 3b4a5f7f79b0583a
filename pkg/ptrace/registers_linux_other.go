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

//go:build linux && !amd64

package ptrace

import (
	"fmt"
	"runtime"

	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

func (t *seizeTracer) Registers(tid int) (unwind.Registers, error) {
	return unwind.Registers{}, fmt.Errorf("%w: %s", unwind.ErrUnsupportedArch, runtime.GOARCH)
}
