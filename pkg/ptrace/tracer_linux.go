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

package ptrace

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

var ErrUnexpectedStop = errors.New("thread did not stop")

// tracer stops a thread, reads its registers and lets it go. All calls for
// a thread must come from the same OS thread.
type tracer interface {
	Attach(tid int) error
	Registers(tid int) (unwind.Registers, error)
	Detach(tid int) error
}

// ptraceCalls are the system calls the tracer is built on.
type ptraceCalls struct {
	seize     func(tid int) error
	interrupt func(tid int) error
	wait      func(tid int, ws *unix.WaitStatus) error
	detach    func(tid int, sig unix.Signal) error
}

var linuxPtrace = ptraceCalls{
	seize:     unix.PtraceSeize,
	interrupt: unix.PtraceInterrupt,
	wait: func(tid int, ws *unix.WaitStatus) error {
		_, err := unix.Wait4(tid, ws, unix.WALL, nil)
		return err
	},
	detach: func(tid int, sig unix.Signal) error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(tid), 0, uintptr(sig), 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	},
}

// seizeTracer uses PTRACE_SEIZE and PTRACE_INTERRUPT, which stop the thread
// without queueing a SIGSTOP.
type seizeTracer struct {
	sys ptraceCalls
	// pending holds signals that arrived while a thread was being stopped,
	// they are handed back on detach.
	pending map[int]unix.Signal
}

func newSeizeTracer() *seizeTracer {
	return &seizeTracer{sys: linuxPtrace, pending: map[int]unix.Signal{}}
}

// Attach leaves the thread seized only when it returns nil.
func (t *seizeTracer) Attach(tid int) error {
	if err := t.sys.seize(tid); err != nil {
		return fmt.Errorf("seize %d: %w", tid, err)
	}
	if err := t.sys.interrupt(tid); err != nil {
		_ = t.Detach(tid)
		return fmt.Errorf("interrupt %d: %w", tid, err)
	}

	var ws unix.WaitStatus
	for {
		err := t.sys.wait(tid, &ws)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			_ = t.Detach(tid)
			return fmt.Errorf("wait %d: %w", tid, err)
		}
		break
	}
	if !ws.Stopped() {
		// Fails with ESRCH when the thread is gone.
		_ = t.Detach(tid)
		return fmt.Errorf("%w: %d exited or was killed", ErrUnexpectedStop, tid)
	}
	// The interrupt shows up as SIGTRAP with PTRACE_EVENT_STOP. Anything else
	// is a real signal that must not get lost.
	if sig := ws.StopSignal(); sig != unix.SIGTRAP {
		t.pending[tid] = sig
	}
	return nil
}

func (t *seizeTracer) Detach(tid int) error {
	sig := t.pending[tid]
	delete(t.pending, tid)

	if err := t.sys.detach(tid, sig); err != nil {
		return fmt.Errorf("detach %d: %w", tid, err)
	}
	return nil
}
