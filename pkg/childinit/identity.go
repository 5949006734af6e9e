package childinit

import (
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/mrunalp/fileutils"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// writeIdentity implements §4.8 step 5's /etc/resolv.conf and
// /etc/hostname writes, creating each file with
// fileutils.CreateIfNotExists before writing it, as runc does.
func writeIdentity(root, hostname, resolvConf string) error {
	if resolvConf != "" {
		if err := writeInRoot(root, "/etc/resolv.conf", resolvConf); err != nil {
			return err
		}
	}
	if hostname != "" {
		if err := writeInRoot(root, "/etc/hostname", hostname+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func writeInRoot(root, relPath, contents string) error {
	path := relPath
	if root != "" {
		joined, err := securejoin.SecureJoin(root, relPath)
		if err != nil {
			return errkind.FromSyscallErr(err, "securejoin "+relPath)
		}
		path = joined
	}
	if err := fileutils.CreateIfNotExists(path, false); err != nil {
		return errkind.FromSyscallErr(err, "create "+path)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return errkind.FromSyscallErr(err, "write "+path)
	}
	return nil
}
