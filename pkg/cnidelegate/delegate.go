// Package cnidelegate realises `cni <name>` network-config grammar
// entries (§4.6's grammar supplement) through an installed CNI plugin
// chain, built directly on github.com/containernetworking/cni/libcni.
//
// Adapted from the teacher's pkg/network.CNIManager: that type always
// loads the cluster's one network config and assumes a pod sandbox's
// eth0. Delegate instead resolves <name> to a specific .conflist/.conf
// file by basename (falling back to the teacher's directory-scan/
// sort-first behavior when <name> is empty) and targets the
// container's own NetworkNamespace, not a pod sandbox.
package cnidelegate

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	"github.com/sirupsen/logrus"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// Delegate wraps a libcni.CNIConfig scoped to one configuration
// directory and plugin search path.
type Delegate struct {
	cni     *libcni.CNIConfig
	confDir string
}

// New builds a Delegate. A daemon with no cni-conf-dir configured
// simply never constructs one; a `cni` grammar line still parses, but
// realising it then fails with InvalidValue -- the "optional" component
// §4.6 describes.
func New(confDir string, binDirs []string, cacheDir string) *Delegate {
	return &Delegate{
		cni:     libcni.NewCNIConfigWithCacheDir(binDirs, cacheDir, nil),
		confDir: confDir,
	}
}

// loadConfig resolves name to a specific network config list: an
// exact basename match (with or without extension) under confDir, or,
// when name is empty, the lexicographically first config file in the
// directory -- the teacher's own default-network selection rule.
func (d *Delegate) loadConfig(name string) (*libcni.NetworkConfigList, error) {
	files, err := libcni.ConfFiles(d.confDir, []string{".conf", ".conflist", ".json"})
	if err != nil {
		return nil, errkind.FromSyscallErr(err, "list CNI config files in "+d.confDir)
	}
	if len(files) == 0 {
		return nil, errkind.New(errkind.InvalidValue, "no CNI config files in %s", d.confDir)
	}
	sort.Strings(files)

	filename := files[0]
	if name != "" {
		filename = ""
		for _, f := range files {
			base := filepath.Base(f)
			if base == name || base == name+filepath.Ext(f) || strippedExt(base) == name {
				filename = f
				break
			}
		}
		if filename == "" {
			return nil, errkind.New(errkind.InvalidValue, "no CNI config named %q in %s", name, d.confDir)
		}
	}

	if filepath.Ext(filename) == ".conflist" {
		list, err := libcni.ConfListFromFile(filename)
		if err != nil {
			return nil, errkind.FromSyscallErr(err, "load CNI config list "+filename)
		}
		return list, nil
	}
	conf, err := libcni.ConfFromFile(filename)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, "load CNI config "+filename)
	}
	list, err := libcni.ConfListFromConf(conf)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, "wrap CNI config "+filename)
	}
	return list, nil
}

// Add runs CNI ADD for containerID inside netnsPath, bringing up
// ifName. It is the realisation of a `cni <name>` grammar entry.
func (d *Delegate) Add(ctx context.Context, name, containerID, netnsPath, ifName string) (types.Result, error) {
	list, err := d.loadConfig(name)
	if err != nil {
		return nil, err
	}
	rt := &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netnsPath,
		IfName:      ifName,
	}
	logrus.WithFields(logrus.Fields{"container": containerID, "netns": netnsPath, "config": list.Name}).
		Info("cni: adding network")
	res, err := d.cni.AddNetworkList(ctx, list, rt)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, "cni add "+list.Name)
	}
	return res, nil
}

// Del runs CNI DEL for containerID, the teardown counterpart of Add.
func (d *Delegate) Del(ctx context.Context, name, containerID, netnsPath, ifName string) error {
	list, err := d.loadConfig(name)
	if err != nil {
		return err
	}
	rt := &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netnsPath,
		IfName:      ifName,
	}
	logrus.WithFields(logrus.Fields{"container": containerID, "config": list.Name}).Info("cni: removing network")
	if err := d.cni.DelNetworkList(ctx, list, rt); err != nil {
		return errkind.FromSyscallErr(err, "cni del "+list.Name)
	}
	return nil
}

func strippedExt(base string) string {
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}
