// This package is the virtual file system: a registry of filesystem
// drivers, a mount table resolved by longest path prefix, and a table of
// open-file handles dispatched to the owning driver.

package vfs

import (
	"errors"
	"strings"

	"github.com/dsoprea/go-logging"
)

const (
	// MaxMountPoints bounds the mount table and the driver table.
	MaxMountPoints = 16

	// MaxPathLen bounds every path accepted by the VFS.
	MaxPathLen = 256

	// MaxFSName bounds filesystem driver names.
	MaxFSName = 32

	// firstFd is the first file descriptor handed out; 0-2 are reserved.
	firstFd = 3
)

// File open flags.
const (
	O_RDONLY = 0x0001
	O_WRONLY = 0x0002
	O_RDWR   = 0x0003

	// Accepted for compatibility; no observable effect with the current
	// drivers.
	O_CREAT  = 0x0100
	O_APPEND = 0x0200
)

var (
	// ErrInvalidArgument indicates a malformed name, path, or nil driver.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoSlot indicates a full driver or mount table.
	ErrNoSlot = errors.New("no free slot")

	// ErrExists indicates a duplicate driver name or mount path.
	ErrExists = errors.New("already exists")

	// ErrNotFound indicates an unknown driver, mount path, or fd.
	ErrNotFound = errors.New("not found")

	// ErrPermission indicates an access violating the handle's open
	// flags.
	ErrPermission = errors.New("permission denied")
)

var (
	vfsLogger = log.NewLogger("scepter.vfs")
)

// Driver mounts volumes of one filesystem type. The device id names the
// block device and the partition id its sub-resource.
type Driver interface {
	Mount(deviceID, partitionID int) (Volume, error)
}

// Volume is one mounted filesystem instance.
type Volume interface {
	Open(path string, flags int) (File, error)
	Unmount() error
}

// File is an open file of a mounted volume. Read and Write are
// sequential; the file tracks its own position.
type File interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

type fsDriver struct {
	name  string
	drv   Driver
	inUse bool
}

type mountPoint struct {
	path        string
	fsID        int
	deviceID    int
	partitionID int
	vol         Volume
	inUse       bool
}

type handle struct {
	fd     int
	fsID   int
	vol    Volume
	file   File
	offset uint32
	flags  int
}

// VFS owns the driver table, the mount table, and the handle table.
type VFS struct {
	drivers [MaxMountPoints]fsDriver
	mounts  [MaxMountPoints]mountPoint
	handles map[int]*handle
	nextFd  int
}

// New returns an empty VFS.
func New() (v *VFS) {
	return &VFS{
		handles: make(map[int]*handle),
		nextFd:  firstFd,
	}
}

// RegisterFilesystem records a driver under a unique name and returns its
// id.
func (v *VFS) RegisterFilesystem(name string, drv Driver) (id int, err error) {
	if drv == nil || name == "" || len(name) >= MaxFSName {
		return -1, ErrInvalidArgument
	}

	for i := range v.drivers {
		if v.drivers[i].inUse == true && v.drivers[i].name == name {
			return -1, ErrExists
		}
	}

	for i := range v.drivers {
		if v.drivers[i].inUse == false {
			v.drivers[i] = fsDriver{
				name:  name,
				drv:   drv,
				inUse: true,
			}

			return i, nil
		}
	}

	return -1, ErrNoSlot
}

func (v *VFS) findDriver(name string) int {
	for i := range v.drivers {
		if v.drivers[i].inUse == true && v.drivers[i].name == name {
			return i
		}
	}

	return -1
}

// findMountPoint returns the live mount with the longest path prefix of
// `path`, along with the prefix length. The root mount "/" matches every
// path.
func (v *VFS) findMountPoint(path string) (mp *mountPoint, matchLen int) {
	bestLen := 0

	for i := range v.mounts {
		if v.mounts[i].inUse == false {
			continue
		}

		mountPath := v.mounts[i].path

		if mountPath == "/" {
			if bestLen < 1 {
				bestLen = 1
				mp = &v.mounts[i]
			}

			continue
		}

		if strings.HasPrefix(path, mountPath) == false {
			continue
		}

		// The prefix must end at a component boundary.
		if len(path) != len(mountPath) && path[len(mountPath)] != '/' {
			continue
		}

		if len(mountPath) > bestLen {
			bestLen = len(mountPath)
			mp = &v.mounts[i]
		}
	}

	return mp, bestLen
}

// Mount resolves the named driver, mounts the given device/partition
// through it, and records the mount point at `path`.
func (v *VFS) Mount(deviceID, partitionID int, fsName, path string) (err error) {
	if path == "" || path[0] != '/' || len(path) >= MaxPathLen {
		return ErrInvalidArgument
	}

	fsID := v.findDriver(fsName)
	if fsID < 0 {
		vfsLogger.Warningf(nil, "Filesystem type [%s] not registered.", fsName)
		return ErrNotFound
	}

	slot := -1

	for i := range v.mounts {
		if v.mounts[i].inUse == true {
			if v.mounts[i].path == path {
				return ErrExists
			}

			continue
		}

		if slot < 0 {
			slot = i
		}
	}

	if slot < 0 {
		return ErrNoSlot
	}

	vol, err := v.drivers[fsID].drv.Mount(deviceID, partitionID)
	if err != nil {
		return err
	}

	v.mounts[slot] = mountPoint{
		path:        path,
		fsID:        fsID,
		deviceID:    deviceID,
		partitionID: partitionID,
		vol:         vol,
		inUse:       true,
	}

	vfsLogger.Debugf(nil, "Mounted [%s] (dev (%d), part (%d)) at [%s].", fsName, deviceID, partitionID, path)

	return nil
}

// Unmount releases the mount at `path`.
func (v *VFS) Unmount(path string) (err error) {
	for i := range v.mounts {
		if v.mounts[i].inUse == false || v.mounts[i].path != path {
			continue
		}

		if err := v.mounts[i].vol.Unmount(); err != nil {
			return err
		}

		v.mounts[i] = mountPoint{}

		vfsLogger.Debugf(nil, "Unmounted [%s].", path)

		return nil
	}

	return ErrNotFound
}

// Open resolves an absolute path to a mounted volume, opens the file
// through its driver, and returns a new fd. A failed driver open releases
// the handle before returning.
func (v *VFS) Open(path string, flags int) (fd int, err error) {
	if path == "" || path[0] != '/' || len(path) >= MaxPathLen {
		return -1, ErrInvalidArgument
	}

	mp, matchLen := v.findMountPoint(path)
	if mp == nil {
		vfsLogger.Warningf(nil, "No mount point for path [%s].", path)
		return -1, ErrNotFound
	}

	rel := path[matchLen:]
	if rel == "" {
		rel = "/"
	}

	h := &handle{
		fd:    v.nextFd,
		fsID:  mp.fsID,
		vol:   mp.vol,
		flags: flags,
	}

	v.nextFd++
	v.handles[h.fd] = h

	file, err := mp.vol.Open(rel, flags)
	if err != nil {
		delete(v.handles, h.fd)
		return -1, err
	}

	h.file = file

	return h.fd, nil
}

// Close releases the handle.
func (v *VFS) Close(fd int) (err error) {
	h, found := v.handles[fd]
	if found == false {
		return ErrNotFound
	}

	err = h.file.Close()
	delete(v.handles, fd)

	return err
}

// Read reads up to len(buf) bytes from the handle and advances its
// offset. Handles opened write-only refuse.
func (v *VFS) Read(fd int, buf []byte) (n int, err error) {
	h, found := v.handles[fd]
	if found == false {
		return 0, ErrNotFound
	}

	if h.flags&O_RDWR == O_WRONLY {
		return 0, ErrPermission
	}

	n, err = h.file.Read(buf)
	if n > 0 {
		h.offset += uint32(n)
	}

	return n, err
}

// Write writes up to len(buf) bytes to the handle and advances its
// offset. Handles opened read-only refuse.
func (v *VFS) Write(fd int, buf []byte) (n int, err error) {
	h, found := v.handles[fd]
	if found == false {
		return 0, ErrNotFound
	}

	if h.flags&O_RDWR == O_RDONLY {
		return 0, ErrPermission
	}

	n, err = h.file.Write(buf)
	if n > 0 {
		h.offset += uint32(n)
	}

	return n, err
}

// OpenHandles returns the number of live handles.
func (v *VFS) OpenHandles() int {
	return len(v.handles)
}
