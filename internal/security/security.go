// Package security drops Linux capabilities down to the minimum pkg/gosmi
// needs once startup is done: CAP_PERFMON (or CAP_SYS_ADMIN as a fallback)
// for perf_event_open in pkg/perfcounter, and whatever capability the
// deployment grants for direct sysfs writes in pkg/sysfs.
//
// Adapted from the teacher's internal/security/security.go. The
// run-as-user/ACL path-ownership machinery from the teacher (and its
// heavier internal/security/manager.go sibling) existed to let a
// multi-tenant exporter daemon hand file access to an unprivileged user;
// this module has no such daemon, so that part is dropped and only the
// capability-set manipulation survives (see DESIGN.md).
package security

import (
	"fmt"
	"syscall"

	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Config names the capabilities a process should retain after DropPrivileges
// runs; everything else in the process's capability sets is cleared.
type Config struct {
	Caps []cap.Value
}

// DropPrivileges narrows the current process down to config.Caps. If the
// effective user is not root, the process is expected to already hold at
// most the needed capabilities via a file capability or systemd unit; this
// only clears extras if the process somehow holds more. If the effective
// user is root, this clears root's full capability set down to config.Caps
// so that a later bug cannot use an ambient root capability it was never
// meant to have.
func DropPrivileges(config *Config) error {
	if syscall.Geteuid() != 0 {
		existing := cap.GetProc()

		isPriv, err := existing.Cf(cap.NewSet())
		if err == nil && isPriv == 0 {
			return nil
		}

		return setCapabilities(config.Caps)
	}

	return setCapabilities(config.Caps)
}

// DropCapabilities clears every capability on the process.
func DropCapabilities() error {
	return setCapabilities(nil)
}

// setCapabilities sets caps in the permitted set only; the effective and
// inheritable sets are left empty, and nothing in this module raises the
// effective flag afterwards.
func setCapabilities(caps []cap.Value) error {
	newcaps := cap.NewSet()

	for _, c := range caps {
		if err := newcaps.SetFlag(cap.Permitted, true, c); err != nil {
			return fmt.Errorf("error setting permitted setcap: %w", err)
		}

		if err := newcaps.SetFlag(cap.Effective, false, c); err != nil {
			return fmt.Errorf("error setting effective setcap: %w", err)
		}

		if err := newcaps.SetFlag(cap.Inheritable, false, c); err != nil {
			return fmt.Errorf("error setting inheritable setcap: %w", err)
		}
	}

	if err := newcaps.SetProc(); err != nil {
		return fmt.Errorf("error setting new process capabilities via setcap: %w", err)
	}

	return nil
}
