package launcher

import (
	"context"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// AttachSystemdCgroups starts (or reuses) a transient systemd scope
// for every Systemd-mode target. dbus calls are not fork-safe, so this
// runs in the supervisor: Start calls it once the intermediary has
// reported its WPid and before acking that report, unlike the cgroupfs
// path which attachCgroupfs performs from inside the raw-syscall
// intermediary body.
//
// Mirrors the teacher's indirect (via runc) go-systemd/dbus dependency,
// promoted here to a direct, exercised import -- the "systemd-managed
// slices" deployment mode of §4.7.
func AttachSystemdCgroups(ctx context.Context, targets []CgroupTarget, pid int) error {
	var systemdTargets []CgroupTarget
	for _, t := range targets {
		if t.Systemd {
			systemdTargets = append(systemdTargets, t)
		}
	}
	if len(systemdTargets) == 0 {
		return nil
	}

	conn, err := systemdDbus.NewWithContext(ctx)
	if err != nil {
		return errkind.FromSyscallErr(err, "connect to systemd")
	}
	defer conn.Close()

	for _, t := range systemdTargets {
		props := []systemdDbus.Property{
			systemdDbus.PropSlice(t.Slice),
			systemdDbus.PropPids(uint32(pid)),
			systemdDbus.PropDescription("porto task " + t.Unit),
		}
		ch := make(chan string, 1)
		if _, err := conn.StartTransientUnitContext(ctx, t.Unit, "replace", props, ch); err != nil {
			return errkind.FromSyscallErr(err, "start transient unit "+t.Unit)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errkind.New(errkind.Unknown, "timed out starting unit %s", t.Unit)
		}
	}
	return nil
}
