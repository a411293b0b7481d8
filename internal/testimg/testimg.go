// This package builds small, deterministic MBR+FAT32 disk images in
// memory. The fixtures feed the package tests and the demo-image tool;
// nothing here runs in the I/O path.

package testimg

import (
	"strings"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

const (
	// SectorSize is the sector size of every generated image.
	SectorSize = 512

	// PartitionStart is the LBA of the lone FAT32 partition.
	PartitionStart = 2048

	// PartitionSectors is the partition length.
	PartitionSectors = 8192

	// PartitionType is the MBR type byte of the partition (FAT32-LBA).
	PartitionType = 0x0c

	reservedSectors   = 32
	numFats           = 2
	fatSizeSectors    = 16
	sectorsPerCluster = 1
	rootCluster       = 2

	entriesPerCluster = SectorSize / 32

	fatEOC = 0x0fffffff
)

// DefaultConfPath and DefaultConfData describe the canonical fixture
// file.
const (
	DefaultConfPath = "/etc/conf"
	DefaultConfData = "HELLO WORLD FROM KERNEL!\n"
)

// FileSpec names one file to place into the generated volume. Parent
// directories are created implicitly. Components must fit 8.3 names.
type FileSpec struct {
	Path string
	Data []byte
}

type node struct {
	name     string
	isDir    bool
	data     []byte
	children []*node

	firstCluster uint32
	clusterCount uint32
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}

	return nil
}

func (n *node) entryCount() int {
	count := len(n.children)

	// Subdirectories carry dot entries; the root does not.
	if n.name != "" {
		count += 2
	}

	return count
}

// encode83 mirrors the driver-side conversion: uppercase, split at the
// first dot, space-padded to 8+3.
func encode83(component string) (name83 [11]byte) {
	for i := range name83 {
		name83[i] = ' '
	}

	component = strings.ToUpper(component)

	name := component
	ext := ""

	if dot := strings.IndexByte(component, '.'); dot >= 0 {
		name = component[:dot]
		ext = component[dot+1:]
	}

	for i := 0; i < len(name) && i < 8; i++ {
		name83[i] = name[i]
	}

	for i := 0; i < len(ext) && i < 3; i++ {
		name83[8+i] = ext[i]
	}

	return name83
}

// Build renders a whole-disk image: an MBR with one bootable FAT32-LBA
// partition, and the partition formatted with the given file tree.
func Build(files []FileSpec) (image []byte) {
	root := &node{isDir: true}

	for _, spec := range files {
		insert(root, spec)
	}

	// Lay out the cluster runs depth-first; chains are contiguous.
	nextCluster := uint32(rootCluster)
	assignClusters(root, &nextCluster)

	image = make([]byte, (PartitionStart+PartitionSectors)*SectorSize)

	writeMBR(image)
	writeBootSector(image)

	fat := buildFAT(root, nextCluster)

	for copyIndex := 0; copyIndex < numFats; copyIndex++ {
		offset := (PartitionStart + reservedSectors + copyIndex*fatSizeSectors) * SectorSize
		copy(image[offset:], fat)
	}

	writeNode(image, root, root)

	return image
}

// Default returns the canonical fixture image: /etc/conf plus a few
// neighbors, one of them spanning multiple clusters.
func Default() []byte {
	multi := make([]byte, 1200)
	for i := range multi {
		multi[i] = byte('A' + i%26)
	}

	return Build([]FileSpec{
		{Path: DefaultConfPath, Data: []byte(DefaultConfData)},
		{Path: "/readme.txt", Data: []byte("scepter demo volume\n")},
		{Path: "/boot/kernel.bin", Data: multi},
	})
}

func insert(root *node, spec FileSpec) {
	components := make([]string, 0, 4)

	for _, component := range strings.Split(spec.Path, "/") {
		if component != "" {
			components = append(components, component)
		}
	}

	if len(components) == 0 {
		log.Panicf("file spec has an empty path")
	}

	current := root

	for i, component := range components {
		isLast := i == len(components)-1

		existing := current.child(component)

		if isLast == true {
			if existing != nil {
				log.Panicf("duplicate path: [%s]", spec.Path)
			}

			current.children = append(current.children, &node{
				name: component,
				data: spec.Data,
			})

			continue
		}

		if existing == nil {
			existing = &node{
				name:  component,
				isDir: true,
			}

			current.children = append(current.children, existing)
		} else if existing.isDir == false {
			log.Panicf("path component [%s] of [%s] is a file", component, spec.Path)
		}

		current = existing
	}
}

func clustersNeeded(byteCount int) uint32 {
	count := uint32((byteCount + SectorSize*sectorsPerCluster - 1) / (SectorSize * sectorsPerCluster))

	if count == 0 {
		return 0
	}

	return count
}

func assignClusters(n *node, nextCluster *uint32) {
	var count uint32

	if n.isDir == true {
		count = clustersNeeded(n.entryCount() * 32)
		if count == 0 {
			count = 1
		}
	} else {
		count = clustersNeeded(len(n.data))
	}

	if count > 0 {
		n.firstCluster = *nextCluster
		n.clusterCount = count
		*nextCluster += count
	}

	for _, c := range n.children {
		assignClusters(c, nextCluster)
	}
}

func buildFAT(root *node, nextCluster uint32) (fat []byte) {
	maxEntries := fatSizeSectors * SectorSize / 4

	if int(nextCluster) > maxEntries {
		log.Panicf("fixture exceeds the FAT: (%d) clusters", nextCluster)
	}

	fat = make([]byte, fatSizeSectors*SectorSize)

	binary.LittleEndian.PutUint32(fat[0:4], 0x0ffffff8)
	binary.LittleEndian.PutUint32(fat[4:8], 0xffffffff)

	var chain func(n *node)

	chain = func(n *node) {
		for i := uint32(0); i < n.clusterCount; i++ {
			cluster := n.firstCluster + i

			value := uint32(fatEOC)
			if i+1 < n.clusterCount {
				value = cluster + 1
			}

			binary.LittleEndian.PutUint32(fat[cluster*4:cluster*4+4], value)
		}

		for _, c := range n.children {
			chain(c)
		}
	}

	chain(root)

	return fat
}

func clusterOffset(cluster uint32) int {
	dataStart := PartitionStart + reservedSectors + numFats*fatSizeSectors

	return (dataStart + int(cluster-2)*sectorsPerCluster) * SectorSize
}

func putDirectoryEntry(buf []byte, name83 [11]byte, isDir bool, firstCluster uint32, size uint32) {
	copy(buf[0:11], name83[:])

	if isDir == true {
		buf[11] = 0x10
	} else {
		buf[11] = 0x20
	}

	binary.LittleEndian.PutUint16(buf[20:22], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(firstCluster&0xffff))
	binary.LittleEndian.PutUint32(buf[28:32], size)
}

func writeNode(image []byte, n, parent *node) {
	if n.isDir == false {
		remaining := n.data

		for i := uint32(0); i < n.clusterCount; i++ {
			offset := clusterOffset(n.firstCluster + i)

			chunk := SectorSize * sectorsPerCluster
			if len(remaining) < chunk {
				chunk = len(remaining)
			}

			copy(image[offset:offset+chunk], remaining[:chunk])
			remaining = remaining[chunk:]
		}

		return
	}

	entries := make([][11]byte, 0, n.entryCount())
	entryNodes := make([]*node, 0, n.entryCount())

	if n.name != "" {
		dot := [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
		dotdot := [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}

		entries = append(entries, dot, dotdot)
		entryNodes = append(entryNodes, n, parent)
	}

	for _, c := range n.children {
		entries = append(entries, encode83(c.name))
		entryNodes = append(entryNodes, c)
	}

	for i := range entries {
		cluster := n.firstCluster + uint32(i/entriesPerCluster)
		offset := clusterOffset(cluster) + (i%entriesPerCluster)*32

		target := entryNodes[i]

		size := uint32(0)
		if target.isDir == false {
			size = uint32(len(target.data))
		}

		putDirectoryEntry(image[offset:offset+32], entries[i], target.isDir, target.firstCluster, size)
	}

	for _, c := range n.children {
		writeNode(image, c, n)
	}
}

func writeMBR(image []byte) {
	entry := image[446:462]

	// Bootable, FAT32-LBA, starting at PartitionStart.
	entry[0] = 0x80
	entry[4] = PartitionType
	binary.LittleEndian.PutUint32(entry[8:12], PartitionStart)
	binary.LittleEndian.PutUint32(entry[12:16], PartitionSectors)

	binary.LittleEndian.PutUint16(image[510:512], 0xaa55)
}

func writeBootSector(image []byte) {
	bs := image[PartitionStart*SectorSize : (PartitionStart+1)*SectorSize]

	copy(bs[0:3], []byte{0xeb, 0x58, 0x90})
	copy(bs[3:11], []byte("SCEPTER "))

	binary.LittleEndian.PutUint16(bs[11:13], SectorSize)
	bs[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(bs[14:16], reservedSectors)
	bs[16] = numFats
	binary.LittleEndian.PutUint16(bs[17:19], 0) // root_entry_count
	binary.LittleEndian.PutUint16(bs[19:21], 0) // total_sectors_16
	bs[21] = 0xf8
	binary.LittleEndian.PutUint16(bs[22:24], 0) // fat_size_16
	binary.LittleEndian.PutUint16(bs[24:26], 63)
	binary.LittleEndian.PutUint16(bs[26:28], 255)
	binary.LittleEndian.PutUint32(bs[28:32], PartitionStart)
	binary.LittleEndian.PutUint32(bs[32:36], PartitionSectors)
	binary.LittleEndian.PutUint32(bs[36:40], fatSizeSectors)
	binary.LittleEndian.PutUint32(bs[44:48], rootCluster)
	binary.LittleEndian.PutUint16(bs[48:50], 1) // fsinfo
	binary.LittleEndian.PutUint16(bs[50:52], 6) // backup boot sector
	bs[64] = 0x80
	bs[66] = 0x29
	binary.LittleEndian.PutUint32(bs[67:71], 0x3d51a058)
	copy(bs[71:82], []byte("SCEPTER    "))
	copy(bs[82:90], []byte("FAT32   "))

	binary.LittleEndian.PutUint16(bs[510:512], 0xaa55)
}
