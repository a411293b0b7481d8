package fat32

import (
	"testing"

	"github.com/HubRis504/scepter/internal/testimg"
)

func getTestBootSector(t *testing.T) BootSector {
	image := testimg.Default()

	raw := image[testimg.PartitionStart*SectorSize:]

	bs, err := ParseBootSector(raw)
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}

	return bs
}

func TestParseBootSector(t *testing.T) {
	bs := getTestBootSector(t)

	if bs.BytesPerSector != 512 {
		t.Fatalf("Bytes-per-sector not correct: (%d)", bs.BytesPerSector)
	}

	if bs.SectorsPerCluster != 1 {
		t.Fatalf("Sectors-per-cluster not correct: (%d)", bs.SectorsPerCluster)
	}

	if bs.NumFats != 2 {
		t.Fatalf("FAT count not correct: (%d)", bs.NumFats)
	}

	if bs.RootCluster != 2 {
		t.Fatalf("Root cluster not correct: (%d)", bs.RootCluster)
	}

	if bs.BytesPerCluster() != 512 {
		t.Fatalf("Bytes-per-cluster not correct: (%d)", bs.BytesPerCluster())
	}

	if bs.FatStartSector() != 32 {
		t.Fatalf("FAT start not correct: (%d)", bs.FatStartSector())
	}

	if bs.DataStartSector() != 64 {
		t.Fatalf("Data start not correct: (%d)", bs.DataStartSector())
	}

	if string(bs.FsType[:]) != "FAT32   " {
		t.Fatalf("Filesystem type not correct: [%s]", string(bs.FsType[:]))
	}
}

func TestParseBootSector_Invalid(t *testing.T) {
	image := testimg.Default()

	raw := make([]byte, SectorSize)
	copy(raw, image[testimg.PartitionStart*SectorSize:])

	// Break the trailer.
	raw[510] = 0

	if _, err := ParseBootSector(raw); err != ErrNotFat32 {
		t.Fatalf("Bad trailer did not fail correctly: %v", err)
	}

	// A FAT16-style sector: nonzero root-entry count.
	copy(raw, image[testimg.PartitionStart*SectorSize:])
	raw[17] = 0x00
	raw[18] = 0x02

	if _, err := ParseBootSector(raw); err != ErrNotFat32 {
		t.Fatalf("FAT16 root-entry count did not fail correctly: %v", err)
	}

	// A FAT16-style sector: nonzero 16-bit FAT size.
	copy(raw, image[testimg.PartitionStart*SectorSize:])
	raw[22] = 0x20

	if _, err := ParseBootSector(raw); err != ErrNotFat32 {
		t.Fatalf("FAT16 FAT size did not fail correctly: %v", err)
	}
}

func TestDirectoryEntry_Predicates(t *testing.T) {
	de := DirectoryEntry{}

	if de.IsEndOfDirectory() != true {
		t.Fatalf("Zeroed entry not end-of-directory.")
	}

	de.Name[0] = 0xe5

	if de.IsDeleted() != true {
		t.Fatalf("Deleted marker not recognized.")
	}

	de = DirectoryEntry{
		Attributes: AttrLongName,
	}
	de.Name[0] = 'A'

	if de.IsLongName() != true {
		t.Fatalf("Long-name attribute not recognized.")
	}

	if de.matchable() == true {
		t.Fatalf("Long-name entry reported matchable.")
	}

	de = DirectoryEntry{
		Attributes: AttrVolumeID,
	}
	de.Name[0] = 'A'

	if de.matchable() == true {
		t.Fatalf("Volume-id entry reported matchable.")
	}

	de = DirectoryEntry{
		Attributes:     AttrDirectory,
		FirstClusterHi: 0x0001,
		FirstClusterLo: 0x0002,
	}
	de.Name[0] = 'A'

	if de.IsDirectory() != true {
		t.Fatalf("Directory attribute not recognized.")
	}

	if de.matchable() != true {
		t.Fatalf("Plain directory entry not matchable.")
	}

	if de.FirstCluster() != 0x00010002 {
		t.Fatalf("Cluster halves composed incorrectly: (0x%08x)", de.FirstCluster())
	}
}

func TestEncode83(t *testing.T) {
	cases := []struct {
		component string
		expected  string
	}{
		{"conf", "CONF       "},
		{"kernel.bin", "KERNEL  BIN"},
		{"a.b", "A       B  "},
		{"longfilename.text", "LONGFILETEX"},
		{"etc", "ETC        "},
	}

	for _, testCase := range cases {
		name83 := encode83(testCase.component)

		if string(name83[:]) != testCase.expected {
			t.Fatalf("Encoding of [%s] not correct: [%s] != [%s]", testCase.component, string(name83[:]), testCase.expected)
		}
	}
}

func TestDirectoryEntry_DecodedName(t *testing.T) {
	de := DirectoryEntry{
		Name: encode83("kernel.bin"),
	}

	if de.DecodedName() != "KERNEL.BIN" {
		t.Fatalf("Decoded name not correct: [%s]", de.DecodedName())
	}

	de = DirectoryEntry{
		Name: encode83("etc"),
	}

	if de.DecodedName() != "ETC" {
		t.Fatalf("Decoded name not correct: [%s]", de.DecodedName())
	}
}
