package childinit

import (
	"syscall"

	"github.com/syndtr/gocapability/capability"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// applyCapabilities implements §4.8 step 9's ambient, bounding, then
// (non-root only) effective capability application, generalising
// moby-moby's DropCapabilities (capability.NewPid/Clear/Set/Apply)
// from a single drop-to-kept-set call into the three ordered stages
// the spec calls out by name.
func applyCapabilities(ambient, bounding, effective []string, cred *syscall.Credential) error {
	c, err := capability.NewPid(0)
	if err != nil {
		return errkind.FromSyscallErr(err, "capability.NewPid")
	}

	boundCaps, err := resolveCaps(bounding)
	if err != nil {
		return err
	}
	c.Clear(capability.BOUNDS)
	c.Set(capability.BOUNDS, boundCaps...)

	ambientCaps, err := resolveCaps(ambient)
	if err != nil {
		return err
	}
	c.Clear(capability.AMBIENT)
	c.Set(capability.AMBIENT, ambientCaps...)

	if err := c.Apply(capability.BOUNDS | capability.AMBIENT); err != nil {
		return errkind.FromSyscallErr(err, "apply bounding/ambient capabilities")
	}

	if cred != nil && cred.Uid == 0 {
		// Root keeps the full effective set implicitly; the spec's
		// "non-root only" qualifier exists because root's effective set
		// is already whatever bounding allows.
		return nil
	}

	effCaps, err := resolveCaps(effective)
	if err != nil {
		return err
	}
	c.Clear(capability.EFFECTIVE | capability.PERMITTED)
	c.Set(capability.EFFECTIVE|capability.PERMITTED, effCaps...)
	if err := c.Apply(capability.EFFECTIVE | capability.PERMITTED); err != nil {
		return errkind.FromSyscallErr(err, "apply effective capabilities")
	}
	return nil
}

var capByName = buildCapByName()

func buildCapByName() map[string]capability.Cap {
	m := make(map[string]capability.Cap, len(capability.List()))
	for _, c := range capability.List() {
		m[c.String()] = c
	}
	return m
}

func resolveCaps(names []string) ([]capability.Cap, error) {
	out := make([]capability.Cap, 0, len(names))
	for _, name := range names {
		c, ok := capByName[name]
		if !ok {
			return nil, errkind.New(errkind.InvalidValue, "unknown capability %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}
